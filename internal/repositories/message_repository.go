package repositories

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-core/internal/models"
)

// MessageRepo is a sqlx implementation of MessageStore. Receipts, reactions
// and per-viewer hides are rows keyed by (message, user) so duplicates are
// rejected by the primary key.
type MessageRepo struct {
	db *sqlx.DB
}

var _ MessageStore = (*MessageRepo)(nil)

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, sender_id, content, media, reply_to, forwarded_from, message_type, status,
        mentions, is_deleted, deleted_at, deleted_by, edit_history, is_edited, is_pinned, expires_at, created_at, updated_at`

// jsonColumn stores T as JSONB.
type jsonColumn[T any] struct {
	V T
}

func (j *jsonColumn[T]) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, &j.V)
	case string:
		return json.Unmarshal([]byte(v), &j.V)
	default:
		return fmt.Errorf("jsonColumn: unsupported source %T", src)
	}
}

func (j jsonColumn[T]) Value() (driver.Value, error) {
	return json.Marshal(j.V)
}

type messageRow struct {
	ID             string                    `db:"id"`
	ConversationID string                    `db:"conversation_id"`
	SenderID       string                    `db:"sender_id"`
	Content        string                    `db:"content"`
	Media          jsonColumn[[]models.Media] `db:"media"`
	ReplyTo        string                    `db:"reply_to"`
	ForwardedFrom  string                    `db:"forwarded_from"`
	MessageType    string                    `db:"message_type"`
	Status         string                    `db:"status"`
	Mentions       pq.StringArray            `db:"mentions"`
	IsDeleted      bool                      `db:"is_deleted"`
	DeletedAt      *time.Time                `db:"deleted_at"`
	DeletedBy      string                    `db:"deleted_by"`
	EditHistory    jsonColumn[[]models.Edit] `db:"edit_history"`
	IsEdited       bool                      `db:"is_edited"`
	IsPinned       bool                      `db:"is_pinned"`
	ExpiresAt      *time.Time                `db:"expires_at"`
	CreatedAt      time.Time                 `db:"created_at"`
	UpdatedAt      time.Time                 `db:"updated_at"`
}

func (r messageRow) toModel() *models.Message {
	return &models.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Content:        r.Content,
		Media:          r.Media.V,
		ReplyTo:        r.ReplyTo,
		ForwardedFrom:  r.ForwardedFrom,
		Type:           models.MessageType(r.MessageType),
		Status:         models.MessageStatus(r.Status),
		Mentions:       []string(r.Mentions),
		Reactions:      map[string]models.Reaction{},
		IsDeleted:      r.IsDeleted,
		DeletedAt:      r.DeletedAt,
		DeletedBy:      r.DeletedBy,
		EditHistory:    r.EditHistory.V,
		IsEdited:       r.IsEdited,
		IsPinned:       r.IsPinned,
		ExpiresAt:      r.ExpiresAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type receiptRow struct {
	MessageID string    `db:"message_id"`
	UserID    string    `db:"user_id"`
	Kind      string    `db:"kind"`
	At        time.Time `db:"at"`
}

type reactionRow struct {
	MessageID string    `db:"message_id"`
	UserID    string    `db:"user_id"`
	Emoji     string    `db:"emoji"`
	ReactedAt time.Time `db:"reacted_at"`
}

type hiddenRow struct {
	MessageID string `db:"message_id"`
	UserID    string `db:"user_id"`
}

// Insert stores a new message. A reused id reports ErrDuplicate.
func (r *MessageRepo) Insert(ctx context.Context, msg *models.Message) error {
	mentions := msg.Mentions
	if mentions == nil {
		mentions = []string{}
	}
	media := msg.Media
	if media == nil {
		media = []models.Media{}
	}
	_, err := conn(ctx, r.db).ExecContext(ctx, `INSERT INTO messages (id, conversation_id, sender_id, content, media, reply_to,
            forwarded_from, message_type, status, status_rank, mentions, expires_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, jsonColumn[[]models.Media]{V: media}, msg.ReplyTo,
		msg.ForwardedFrom, msg.Type, msg.Status, msg.Status.Rank(), pq.Array(mentions), msg.ExpiresAt,
		msg.CreatedAt, msg.UpdatedAt)
	return classify(err)
}

// Get retrieves a single message with its receipts, reactions and hides.
func (r *MessageRepo) Get(ctx context.Context, id string) (*models.Message, error) {
	q := conn(ctx, r.db)
	var row messageRow
	if err := q.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, classify(err)
	}
	msg := row.toModel()
	if err := r.loadChildren(ctx, q, []*models.Message{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListForConversation returns a page of messages, oldest first.
func (r *MessageRepo) ListForConversation(ctx context.Context, conversationID string, before time.Time, limit int) ([]*models.Message, error) {
	if before.IsZero() {
		before = time.Now().Add(time.Second)
	}
	q := conn(ctx, r.db)
	var rows []messageRow
	if err := q.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 AND created_at < $2 ORDER BY created_at DESC LIMIT $3`, conversationID, before, limit); err != nil {
		return nil, classify(err)
	}
	msgs := make([]*models.Message, len(rows))
	for i, row := range rows {
		msgs[len(rows)-1-i] = row.toModel()
	}
	if err := r.loadChildren(ctx, q, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *MessageRepo) loadChildren(ctx context.Context, q querier, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*models.Message, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}

	var receipts []receiptRow
	if err := q.SelectContext(ctx, &receipts, `SELECT message_id, user_id, kind, at FROM message_receipts
        WHERE message_id = ANY($1) ORDER BY at`, pq.Array(ids)); err != nil {
		return classify(err)
	}
	for _, rc := range receipts {
		m := byID[rc.MessageID]
		receipt := models.Receipt{UserID: rc.UserID, At: rc.At}
		if models.ReceiptKind(rc.Kind) == models.ReceiptRead {
			m.ReadBy = append(m.ReadBy, receipt)
		} else {
			m.DeliveredTo = append(m.DeliveredTo, receipt)
		}
	}

	var reactions []reactionRow
	if err := q.SelectContext(ctx, &reactions, `SELECT message_id, user_id, emoji, reacted_at FROM message_reactions
        WHERE message_id = ANY($1)`, pq.Array(ids)); err != nil {
		return classify(err)
	}
	for _, rc := range reactions {
		byID[rc.MessageID].Reactions[rc.UserID] = models.Reaction{Emoji: rc.Emoji, At: rc.ReactedAt}
	}

	var hidden []hiddenRow
	if err := q.SelectContext(ctx, &hidden, `SELECT message_id, user_id FROM message_hidden
        WHERE message_id = ANY($1)`, pq.Array(ids)); err != nil {
		return classify(err)
	}
	for _, h := range hidden {
		m := byID[h.MessageID]
		m.DeletedFor = append(m.DeletedFor, h.UserID)
	}
	return nil
}

// AdvanceStatus moves the scalar status forward only.
func (r *MessageRepo) AdvanceStatus(ctx context.Context, id string, status models.MessageStatus) (bool, error) {
	q := conn(ctx, r.db)
	if status == models.StatusFailed {
		return affected(q.ExecContext(ctx, `UPDATE messages SET status='failed', status_rank=-1, updated_at=NOW()
            WHERE id=$1 AND status='sending'`, id))
	}
	return affected(q.ExecContext(ctx, `UPDATE messages SET status=$2, status_rank=$3, updated_at=NOW()
        WHERE id=$1 AND status <> 'failed' AND status_rank < $3`, id, status, status.Rank()))
}

// AddReceipt records a delivery or read receipt once per user.
func (r *MessageRepo) AddReceipt(ctx context.Context, id, userID string, kind models.ReceiptKind, at time.Time) (bool, error) {
	return affected(conn(ctx, r.db).ExecContext(ctx, `INSERT INTO message_receipts (message_id, user_id, kind, at)
        VALUES ($1, $2, $3, $4) ON CONFLICT (message_id, user_id, kind) DO NOTHING`, id, userID, kind, at))
}

// ToggleReaction removes a matching reaction or replaces the user's reaction.
func (r *MessageRepo) ToggleReaction(ctx context.Context, id, userID, emoji string, at time.Time) (bool, error) {
	q := conn(ctx, r.db)
	removed, err := affected(q.ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id=$1 AND user_id=$2 AND emoji=$3`, id, userID, emoji))
	if err != nil {
		return false, err
	}
	if removed {
		return false, nil
	}
	_, err = q.ExecContext(ctx, `INSERT INTO message_reactions (message_id, user_id, emoji, reacted_at) VALUES ($1, $2, $3, $4)
        ON CONFLICT (message_id, user_id) DO UPDATE SET emoji = EXCLUDED.emoji, reacted_at = EXCLUDED.reacted_at`, id, userID, emoji, at)
	if err != nil {
		return false, classify(err)
	}
	return true, nil
}

// RemoveReaction deletes the user's reaction, if any.
func (r *MessageRepo) RemoveReaction(ctx context.Context, id, userID string) (bool, error) {
	return affected(conn(ctx, r.db).ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id=$1 AND user_id=$2`, id, userID))
}

// DeleteForEveryone tombstones the message once.
func (r *MessageRepo) DeleteForEveryone(ctx context.Context, id, deletedBy string, at time.Time) (bool, error) {
	return affected(conn(ctx, r.db).ExecContext(ctx, `UPDATE messages SET is_deleted=TRUE, deleted_at=$3, deleted_by=$2,
            content='', media='[]', is_pinned=FALSE, updated_at=$3
        WHERE id=$1 AND NOT is_deleted`, id, deletedBy, at))
}

// HideForUser adds the user to the message's hidden set.
func (r *MessageRepo) HideForUser(ctx context.Context, id, userID string) (bool, error) {
	return affected(conn(ctx, r.db).ExecContext(ctx, `INSERT INTO message_hidden (message_id, user_id) VALUES ($1, $2)
        ON CONFLICT (message_id, user_id) DO NOTHING`, id, userID))
}

// Edit swaps the content and appends the previous version to the history.
func (r *MessageRepo) Edit(ctx context.Context, id, content string, at time.Time) (bool, error) {
	return affected(conn(ctx, r.db).ExecContext(ctx, `UPDATE messages SET
            edit_history = edit_history || jsonb_build_array(jsonb_build_object('content', content, 'editedAt', $3::timestamptz)),
            content=$2, is_edited=TRUE, updated_at=$3
        WHERE id=$1 AND NOT is_deleted`, id, content, at))
}

// SetPinned updates the pinned flag.
func (r *MessageRepo) SetPinned(ctx context.Context, id string, pinned bool) error {
	ok, err := affected(conn(ctx, r.db).ExecContext(ctx, `UPDATE messages SET is_pinned=$2, updated_at=NOW() WHERE id=$1`, id, pinned))
	if err != nil {
		return err
	}
	if !ok {
		return ErrMessageNotFound
	}
	return nil
}
