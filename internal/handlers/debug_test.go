package handlers

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-core/internal/mocks"
	"chat-core/internal/telemetry"
)

func TestDebugRoutesDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, nil, false)

	rec := serve(r, http.MethodGet, "/debug/audit-test", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugAuditTestPublishes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	publisher := new(mocks.PublisherMock)
	emitter := telemetry.NewAuditEmitter(publisher, "audit.events", "chat-core", "test")
	r := gin.New()
	RegisterDebugRoutes(r, emitter, true)

	publisher.On("Publish", mock.Anything, "audit.events", mock.MatchedBy(func(env telemetry.AuditEnvelope) bool {
		return env.Payload.Action == "audit_test" && env.RequestID != ""
	})).Return(nil).Once()

	rec := serve(r, http.MethodGet, "/debug/audit-test", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	publisher.AssertExpectations(t)
}
