package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-core/internal/models"
)

// ConversationRepo is a sqlx implementation of ConversationStore. The
// document is split over conversations and its child tables; counters live in
// conversation_unread so concurrent writers only contend on row locks.
type ConversationRepo struct {
	db *sqlx.DB
	tx *TxManager
}

var _ ConversationStore = (*ConversationRepo)(nil)

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB, tx *TxManager) *ConversationRepo {
	return &ConversationRepo{db: db, tx: tx}
}

const conversationColumns = `id, type, name, description, privacy, direct_key, last_message_id, last_message_at,
        total_messages, last_activity, only_admins_can_send, disappearing_seconds, invite_code, invite_expires_at,
        invite_max_uses, invite_current_uses, invite_created_by, created_by, is_deleted, deleted_at, created_at, updated_at`

type conversationRow struct {
	ID                  string     `db:"id"`
	Type                string     `db:"type"`
	Name                string     `db:"name"`
	Description         string     `db:"description"`
	Privacy             string     `db:"privacy"`
	DirectKey           *string    `db:"direct_key"`
	LastMessageID       *string    `db:"last_message_id"`
	LastMessageAt       *time.Time `db:"last_message_at"`
	TotalMessages       int64      `db:"total_messages"`
	LastActivity        time.Time  `db:"last_activity"`
	OnlyAdminsCanSend   bool       `db:"only_admins_can_send"`
	DisappearingSeconds int        `db:"disappearing_seconds"`
	InviteCode          *string    `db:"invite_code"`
	InviteExpiresAt     *time.Time `db:"invite_expires_at"`
	InviteMaxUses       int        `db:"invite_max_uses"`
	InviteCurrentUses   int        `db:"invite_current_uses"`
	InviteCreatedBy     string     `db:"invite_created_by"`
	CreatedBy           string     `db:"created_by"`
	IsDeleted           bool       `db:"is_deleted"`
	DeletedAt           *time.Time `db:"deleted_at"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

func (r conversationRow) toModel() *models.Conversation {
	conv := &models.Conversation{
		ID:            r.ID,
		Type:          models.ConversationType(r.Type),
		Name:          r.Name,
		Description:   r.Description,
		Privacy:       models.Privacy(r.Privacy),
		LastMessageID: deref(r.LastMessageID),
		LastMessageAt: r.LastMessageAt,
		UnreadCounts:  map[string]models.UnreadState{},
		Drafts:        map[string]string{},
		Stats:         models.Stats{TotalMessages: r.TotalMessages, LastActivity: r.LastActivity},
		Settings:      models.Settings{OnlyAdminsCanSend: r.OnlyAdminsCanSend, DisappearingSeconds: r.DisappearingSeconds},
		DirectKey:     deref(r.DirectKey),
		CreatedBy:     r.CreatedBy,
		IsDeleted:     r.IsDeleted,
		DeletedAt:     r.DeletedAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.InviteCode != nil {
		conv.InviteLink = &models.InviteLink{
			Code:        *r.InviteCode,
			ExpiresAt:   r.InviteExpiresAt,
			MaxUses:     r.InviteMaxUses,
			CurrentUses: r.InviteCurrentUses,
			CreatedBy:   r.InviteCreatedBy,
		}
	}
	return conv
}

type participantRow struct {
	ConversationID   string     `db:"conversation_id"`
	UserID           string     `db:"user_id"`
	Role             string     `db:"role"`
	IsActive         bool       `db:"is_active"`
	JoinedAt         time.Time  `db:"joined_at"`
	LeftAt           *time.Time `db:"left_at"`
	CanSendMessages  bool       `db:"can_send_messages"`
	CanSendMedia     bool       `db:"can_send_media"`
	CanAddMembers    bool       `db:"can_add_members"`
	CanRemoveMembers bool       `db:"can_remove_members"`
	CanEditInfo      bool       `db:"can_edit_info"`
	CanPinMessages   bool       `db:"can_pin_messages"`
	Muted            bool       `db:"muted"`
	MutedUntil       *time.Time `db:"muted_until"`
	MentionsOnly     bool       `db:"mentions_only"`
}

func (r participantRow) toModel() models.Participant {
	return models.Participant{
		UserID:   r.UserID,
		Role:     models.Role(r.Role),
		IsActive: r.IsActive,
		JoinedAt: r.JoinedAt,
		LeftAt:   r.LeftAt,
		Permissions: models.Permissions{
			CanSendMessages:  r.CanSendMessages,
			CanSendMedia:     r.CanSendMedia,
			CanAddMembers:    r.CanAddMembers,
			CanRemoveMembers: r.CanRemoveMembers,
			CanEditInfo:      r.CanEditInfo,
			CanPinMessages:   r.CanPinMessages,
		},
		Notifications: models.NotificationSettings{Muted: r.Muted, MutedUntil: r.MutedUntil, MentionsOnly: r.MentionsOnly},
	}
}

type unreadRow struct {
	ConversationID    string     `db:"conversation_id"`
	UserID            string     `db:"user_id"`
	Count             int        `db:"count"`
	MentionsCount     int        `db:"mentions_count"`
	LastReadMessageID *string    `db:"last_read_message_id"`
	LastReadAt        *time.Time `db:"last_read_at"`
}

type pinRow struct {
	ConversationID string    `db:"conversation_id"`
	MessageID      string    `db:"message_id"`
	PinnedBy       string    `db:"pinned_by"`
	PinnedAt       time.Time `db:"pinned_at"`
}

type draftRow struct {
	ConversationID string `db:"conversation_id"`
	UserID         string `db:"user_id"`
	Content        string `db:"content"`
}

// Create inserts the conversation with its roster and zeroed counters.
func (r *ConversationRepo) Create(ctx context.Context, conv *models.Conversation) error {
	return r.tx.WithTx(ctx, func(ctx context.Context) error {
		q := conn(ctx, r.db)
		_, err := q.ExecContext(ctx, `INSERT INTO conversations (id, type, name, description, privacy, direct_key,
            last_activity, only_admins_can_send, disappearing_seconds, created_by, created_at, updated_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			conv.ID, conv.Type, conv.Name, conv.Description, conv.Privacy, nullString(conv.DirectKey),
			conv.Stats.LastActivity, conv.Settings.OnlyAdminsCanSend, conv.Settings.DisappearingSeconds,
			conv.CreatedBy, conv.CreatedAt, conv.UpdatedAt)
		if err != nil {
			return classify(err)
		}
		for _, p := range conv.Participants {
			if err := insertParticipant(ctx, q, conv.ID, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertParticipant(ctx context.Context, q querier, conversationID string, p models.Participant) error {
	_, err := q.ExecContext(ctx, `WITH added AS (
            INSERT INTO conversation_participants (conversation_id, user_id, role, is_active, joined_at, left_at,
                can_send_messages, can_send_media, can_add_members, can_remove_members, can_edit_info, can_pin_messages,
                muted, muted_until, mentions_only)
            VALUES ($1, $2, $3, TRUE, $4, NULL, $5, $6, $7, $8, $9, $10, $11, $12, $13)
            ON CONFLICT (conversation_id, user_id) DO UPDATE SET
                role = EXCLUDED.role, is_active = TRUE, joined_at = EXCLUDED.joined_at, left_at = NULL,
                can_send_messages = EXCLUDED.can_send_messages, can_send_media = EXCLUDED.can_send_media,
                can_add_members = EXCLUDED.can_add_members, can_remove_members = EXCLUDED.can_remove_members,
                can_edit_info = EXCLUDED.can_edit_info, can_pin_messages = EXCLUDED.can_pin_messages
            WHERE NOT conversation_participants.is_active
            RETURNING user_id
        )
        INSERT INTO conversation_unread (conversation_id, user_id)
        SELECT $1, user_id FROM added
        ON CONFLICT (conversation_id, user_id) DO UPDATE SET
            count = 0, mentions_count = 0, last_read_message_id = NULL, last_read_at = NULL`,
		conversationID, p.UserID, p.Role, p.JoinedAt,
		p.Permissions.CanSendMessages, p.Permissions.CanSendMedia, p.Permissions.CanAddMembers,
		p.Permissions.CanRemoveMembers, p.Permissions.CanEditInfo, p.Permissions.CanPinMessages,
		p.Notifications.Muted, p.Notifications.MutedUntil, p.Notifications.MentionsOnly)
	return classify(err)
}

// Get fetches a conversation by id, including soft-deleted ones.
func (r *ConversationRepo) Get(ctx context.Context, id string) (*models.Conversation, error) {
	return r.getOne(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, id)
}

// FindDirect looks up the live direct conversation for a pair key.
func (r *ConversationRepo) FindDirect(ctx context.Context, directKey string) (*models.Conversation, error) {
	return r.getOne(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE direct_key=$1 AND NOT is_deleted`, directKey)
}

// FindByInviteCode looks up the live conversation owning an invite code.
func (r *ConversationRepo) FindByInviteCode(ctx context.Context, code string) (*models.Conversation, error) {
	return r.getOne(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE invite_code=$1 AND NOT is_deleted`, code)
}

func (r *ConversationRepo) getOne(ctx context.Context, query string, arg any) (*models.Conversation, error) {
	q := conn(ctx, r.db)
	var row conversationRow
	if err := q.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, classify(err)
	}
	conv := row.toModel()
	if err := r.loadChildren(ctx, q, []*models.Conversation{conv}); err != nil {
		return nil, err
	}
	return conv, nil
}

// ListForUser returns live conversations where the user is active, most recent first.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID string) ([]*models.Conversation, error) {
	q := conn(ctx, r.db)
	var rows []conversationRow
	err := q.SelectContext(ctx, &rows, `SELECT `+conversationColumns+` FROM conversations c
        WHERE NOT c.is_deleted AND EXISTS (
            SELECT 1 FROM conversation_participants p
            WHERE p.conversation_id = c.id AND p.user_id = $1 AND p.is_active)
        ORDER BY c.last_activity DESC`, userID)
	if err != nil {
		return nil, classify(err)
	}
	convs := make([]*models.Conversation, 0, len(rows))
	for _, row := range rows {
		convs = append(convs, row.toModel())
	}
	if err := r.loadChildren(ctx, q, convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (r *ConversationRepo) loadChildren(ctx context.Context, q querier, convs []*models.Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	byID := make(map[string]*models.Conversation, len(convs))
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}

	var participants []participantRow
	if err := q.SelectContext(ctx, &participants, `SELECT conversation_id, user_id, role, is_active, joined_at, left_at,
            can_send_messages, can_send_media, can_add_members, can_remove_members, can_edit_info, can_pin_messages,
            muted, muted_until, mentions_only
        FROM conversation_participants WHERE conversation_id = ANY($1) ORDER BY position`, pq.Array(ids)); err != nil {
		return classify(err)
	}
	for _, p := range participants {
		c := byID[p.ConversationID]
		c.Participants = append(c.Participants, p.toModel())
		if p.IsActive {
			c.Stats.TotalParticipants++
		}
	}

	var unread []unreadRow
	if err := q.SelectContext(ctx, &unread, `SELECT conversation_id, user_id, count, mentions_count, last_read_message_id, last_read_at
        FROM conversation_unread WHERE conversation_id = ANY($1)`, pq.Array(ids)); err != nil {
		return classify(err)
	}
	for _, u := range unread {
		byID[u.ConversationID].UnreadCounts[u.UserID] = models.UnreadState{
			Count:             u.Count,
			MentionsCount:     u.MentionsCount,
			LastReadMessageID: deref(u.LastReadMessageID),
			LastReadAt:        u.LastReadAt,
		}
	}

	var pins []pinRow
	if err := q.SelectContext(ctx, &pins, `SELECT conversation_id, message_id, pinned_by, pinned_at
        FROM conversation_pins WHERE conversation_id = ANY($1) ORDER BY pinned_at`, pq.Array(ids)); err != nil {
		return classify(err)
	}
	for _, p := range pins {
		c := byID[p.ConversationID]
		c.PinnedMessages = append(c.PinnedMessages, models.PinnedMessage{MessageID: p.MessageID, PinnedBy: p.PinnedBy, PinnedAt: p.PinnedAt})
	}

	var drafts []draftRow
	if err := q.SelectContext(ctx, &drafts, `SELECT conversation_id, user_id, content
        FROM conversation_drafts WHERE conversation_id = ANY($1)`, pq.Array(ids)); err != nil {
		return classify(err)
	}
	for _, d := range drafts {
		byID[d.ConversationID].Drafts[d.UserID] = d.Content
	}
	return nil
}

// ActiveParticipantIDs lists active members of a live conversation in roster order.
func (r *ConversationRepo) ActiveParticipantIDs(ctx context.Context, id string) ([]string, error) {
	var ids []string
	err := conn(ctx, r.db).SelectContext(ctx, &ids, `SELECT p.user_id FROM conversation_participants p
        JOIN conversations c ON c.id = p.conversation_id AND NOT c.is_deleted
        WHERE p.conversation_id=$1 AND p.is_active ORDER BY p.position`, id)
	return ids, classify(err)
}

// AddParticipants upserts roster entries; active members are left untouched.
func (r *ConversationRepo) AddParticipants(ctx context.Context, id string, participants []models.Participant) error {
	q := conn(ctx, r.db)
	for _, p := range participants {
		if err := insertParticipant(ctx, q, id, p); err != nil {
			return err
		}
	}
	_, err := q.ExecContext(ctx, `UPDATE conversations SET updated_at=NOW() WHERE id=$1`, id)
	return classify(err)
}

// DeactivateParticipant marks a member inactive, keeping the entry.
func (r *ConversationRepo) DeactivateParticipant(ctx context.Context, id, userID string, at time.Time) (bool, error) {
	return affected(conn(ctx, r.db).ExecContext(ctx, `UPDATE conversation_participants SET is_active=FALSE, left_at=$3
        WHERE conversation_id=$1 AND user_id=$2 AND is_active`, id, userID, at))
}

// PromoteToAdmin grants the admin role and every permission.
func (r *ConversationRepo) PromoteToAdmin(ctx context.Context, id, userID string) error {
	ok, err := affected(conn(ctx, r.db).ExecContext(ctx, `UPDATE conversation_participants SET role='admin',
            can_send_messages=TRUE, can_send_media=TRUE, can_add_members=TRUE, can_remove_members=TRUE,
            can_edit_info=TRUE, can_pin_messages=TRUE
        WHERE conversation_id=$1 AND user_id=$2 AND is_active`, id, userID))
	if err != nil {
		return err
	}
	if !ok {
		return ErrParticipantNotFound
	}
	return nil
}

// SoftDelete flags the conversation deleted and frees its direct pair key.
func (r *ConversationRepo) SoftDelete(ctx context.Context, id string, at time.Time) error {
	_, err := conn(ctx, r.db).ExecContext(ctx, `UPDATE conversations SET is_deleted=TRUE, deleted_at=$2, direct_key=NULL,
        invite_code=NULL, updated_at=$2 WHERE id=$1 AND NOT is_deleted`, id, at)
	return classify(err)
}

// RecordMessage applies message counters in one statement, guarded by the
// applied-message row so a retried call is a no-op.
func (r *ConversationRepo) RecordMessage(ctx context.Context, id string, rec MessageRecord) (bool, error) {
	q := conn(ctx, r.db)
	if _, err := q.ExecContext(ctx, `INSERT INTO conversation_unread (conversation_id, user_id)
        SELECT conversation_id, user_id FROM conversation_participants WHERE conversation_id=$1 AND is_active
        ON CONFLICT (conversation_id, user_id) DO NOTHING`, id); err != nil {
		return false, classify(err)
	}

	mentions := rec.Mentions
	if mentions == nil {
		mentions = []string{}
	}
	return affected(q.ExecContext(ctx, `WITH applied AS (
            INSERT INTO conversation_applied_messages (conversation_id, message_id) VALUES ($1, $2)
            ON CONFLICT DO NOTHING
            RETURNING message_id
        ), bumped AS (
            UPDATE conversation_unread u SET
                count = u.count + 1,
                mentions_count = u.mentions_count + CASE WHEN u.user_id = ANY($4::text[]) THEN 1 ELSE 0 END
            FROM conversation_participants p
            WHERE u.conversation_id = $1 AND p.conversation_id = u.conversation_id AND p.user_id = u.user_id
                AND p.is_active AND u.user_id <> $3 AND EXISTS (SELECT 1 FROM applied)
            RETURNING u.user_id
        )
        UPDATE conversations SET last_message_id=$2, last_message_at=$5, total_messages = total_messages + 1,
            last_activity=$5, updated_at=$5
        WHERE id=$1 AND EXISTS (SELECT 1 FROM applied)`,
		id, rec.MessageID, rec.SenderID, pq.Array(mentions), rec.At))
}

// ResetUnread zeroes counters only when they differ from the target state.
func (r *ConversationRepo) ResetUnread(ctx context.Context, id, userID, lastReadMessageID string, at time.Time) (bool, error) {
	return affected(conn(ctx, r.db).ExecContext(ctx, `UPDATE conversation_unread SET count=0, mentions_count=0,
            last_read_message_id=$3::text, last_read_at=$4
        WHERE conversation_id=$1 AND user_id=$2
            AND (count <> 0 OR mentions_count <> 0 OR last_read_message_id IS DISTINCT FROM $3::text)`,
		id, userID, nullString(lastReadMessageID), at))
}

// EnsureUnreadEntry creates a zero entry when none exists.
func (r *ConversationRepo) EnsureUnreadEntry(ctx context.Context, id, userID string) error {
	_, err := conn(ctx, r.db).ExecContext(ctx, `INSERT INTO conversation_unread (conversation_id, user_id) VALUES ($1, $2)
        ON CONFLICT (conversation_id, user_id) DO NOTHING`, id, userID)
	return classify(err)
}

// TotalUnread sums unread counts over the user's live conversations.
func (r *ConversationRepo) TotalUnread(ctx context.Context, userID string) (int, error) {
	var total int
	err := conn(ctx, r.db).GetContext(ctx, &total, `SELECT COALESCE(SUM(u.count), 0) FROM conversation_unread u
        JOIN conversation_participants p ON p.conversation_id = u.conversation_id AND p.user_id = u.user_id AND p.is_active
        JOIN conversations c ON c.id = u.conversation_id AND NOT c.is_deleted
        WHERE u.user_id=$1`, userID)
	return total, classify(err)
}

// SetInvite replaces the invite link and resets its use count.
func (r *ConversationRepo) SetInvite(ctx context.Context, id string, invite models.InviteLink) error {
	ok, err := affected(conn(ctx, r.db).ExecContext(ctx, `UPDATE conversations SET invite_code=$2, invite_expires_at=$3,
            invite_max_uses=$4, invite_current_uses=0, invite_created_by=$5, updated_at=NOW()
        WHERE id=$1 AND NOT is_deleted`, id, invite.Code, invite.ExpiresAt, invite.MaxUses, invite.CreatedBy))
	if err != nil {
		return err
	}
	if !ok {
		return ErrConversationNotFound
	}
	return nil
}

// ConsumeInvite increments the use count while the link is valid.
func (r *ConversationRepo) ConsumeInvite(ctx context.Context, id, code string, at time.Time) (bool, error) {
	return affected(conn(ctx, r.db).ExecContext(ctx, `UPDATE conversations SET invite_current_uses = invite_current_uses + 1, updated_at=$3
        WHERE id=$1 AND invite_code=$2 AND NOT is_deleted
            AND (invite_expires_at IS NULL OR invite_expires_at > $3)
            AND (invite_max_uses = 0 OR invite_current_uses < invite_max_uses)`, id, code, at))
}

// SetDraft stores a draft; empty content clears it.
func (r *ConversationRepo) SetDraft(ctx context.Context, id, userID, content string) error {
	q := conn(ctx, r.db)
	if content == "" {
		_, err := q.ExecContext(ctx, `DELETE FROM conversation_drafts WHERE conversation_id=$1 AND user_id=$2`, id, userID)
		return classify(err)
	}
	_, err := q.ExecContext(ctx, `INSERT INTO conversation_drafts (conversation_id, user_id, content) VALUES ($1, $2, $3)
        ON CONFLICT (conversation_id, user_id) DO UPDATE SET content = EXCLUDED.content`, id, userID, content)
	return classify(err)
}

// AddPin pins a message once.
func (r *ConversationRepo) AddPin(ctx context.Context, id string, pin models.PinnedMessage) (bool, error) {
	return affected(conn(ctx, r.db).ExecContext(ctx, `INSERT INTO conversation_pins (conversation_id, message_id, pinned_by, pinned_at)
        VALUES ($1, $2, $3, $4) ON CONFLICT (conversation_id, message_id) DO NOTHING`, id, pin.MessageID, pin.PinnedBy, pin.PinnedAt))
}

// RemovePin unpins a message.
func (r *ConversationRepo) RemovePin(ctx context.Context, id, messageID string) (bool, error) {
	return affected(conn(ctx, r.db).ExecContext(ctx, `DELETE FROM conversation_pins WHERE conversation_id=$1 AND message_id=$2`, id, messageID))
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
