package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/mutation"
	"chat-sync/internal/projector"
	"chat-sync/internal/store"
	"chat-sync/internal/syncerr"
	"chat-sync/internal/telemetry"
)

var _ SyncService = (*mocks.SyncServiceMock)(nil)

func setupSyncRouter(svc SyncService, audit *telemetry.AuditEmitter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", "me")
		c.Next()
	})
	NewSyncHandler(context.Background(), svc, audit, nil).Register(r)
	return r
}

func serve(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestListConversationsPassesFilter(t *testing.T) {
	svc := new(mocks.SyncServiceMock)
	router := setupSyncRouter(svc, nil)

	want := projector.ConversationFilter{Mode: projector.ConversationsUnread, Sort: projector.SortUnreadFirst, Kind: models.ConversationGroup, IncludeArchived: true}
	svc.On("Conversations", want).Return([]projector.ConversationView{
		{Conversation: &models.Conversation{ID: "c1"}},
	}, nil).Once()

	rec := serve(router, http.MethodGet, "/conversations?filter=unread&sort=unread_first&kind=group&include_archived=true", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Conversations []projector.ConversationView `json:"conversations"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Conversations, 1)
	assert.Equal(t, "c1", resp.Conversations[0].Conversation.ID)
	svc.AssertExpectations(t)
}

func TestListConversationsInvalidFilter(t *testing.T) {
	svc := new(mocks.SyncServiceMock)
	router := setupSyncRouter(svc, nil)

	svc.On("Conversations", mock.Anything).Return(([]projector.ConversationView)(nil), syncerr.ErrInvalidOperation).Once()
	rec := serve(router, http.MethodGet, "/conversations?sort=alphabetical", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(router, http.MethodGet, "/conversations?include_archived=maybe", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertExpectations(t)
}

func TestMarkConversationReadAcceptsAndAudits(t *testing.T) {
	svc := new(mocks.SyncServiceMock)
	pub := new(mocks.PublisherMock)
	audit := telemetry.NewAuditEmitter(pub, "audit.sync", "chat-sync", "test", nil)
	router := setupSyncRouter(svc, audit)

	m := &mutation.Mutation{ID: "mut-1", Op: mutation.OpMarkRead, Target: models.Ref{Kind: models.KindConversation, ID: "c1"}}
	svc.On("MarkConversationRead", "c1", 2).Return(m, nil).Once()
	pub.On("Publish", mock.Anything, "audit.sync", mock.Anything).Return(nil).Once()

	rec := serve(router, http.MethodPost, "/conversations/c1/read", `{"count":2}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"mutation":{"mutation_id":"mut-1","op":"markRead","target":{"kind":"conversation","id":"c1"}}}`, rec.Body.String())
	svc.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestMarkConversationReadRequiresCount(t *testing.T) {
	router := setupSyncRouter(new(mocks.SyncServiceMock), nil)
	rec := serve(router, http.MethodPost, "/conversations/c1/read", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetFlag(t *testing.T) {
	svc := new(mocks.SyncServiceMock)
	router := setupSyncRouter(svc, nil)

	svc.On("SetFlag", "c1", mutation.OpArchive, false).
		Return(&mutation.Mutation{ID: "mut-2", Op: mutation.OpArchive, Target: models.Ref{Kind: models.KindConversation, ID: "c1"}}, nil).Once()

	rec := serve(router, http.MethodPut, "/conversations/c1/flags/archive", `{"value":false}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = serve(router, http.MethodPut, "/conversations/c1/flags/starred", `{"value":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(router, http.MethodPut, "/conversations/c1/flags/pin", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertExpectations(t)
}

func TestMutationErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"missing", syncerr.Validation(syncerr.ErrNotFound, models.Ref{Kind: models.KindMessage, ID: "m1"}, "unknown"), http.StatusNotFound},
		{"tombstoned", syncerr.ErrTombstoned, http.StatusNotFound},
		{"invalid", syncerr.ErrInvalidOperation, http.StatusBadRequest},
		{"denied", syncerr.ErrPermissionDenied, http.StatusForbidden},
		{"other", assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := new(mocks.SyncServiceMock)
			router := setupSyncRouter(svc, nil)
			svc.On("DeleteMessage", "c1", "m1").Return(nil, tc.err).Once()

			rec := serve(router, http.MethodDelete, "/conversations/c1/messages/m1", "")
			assert.Equal(t, tc.code, rec.Code)
			svc.AssertExpectations(t)
		})
	}
}

func TestMarkMessageReadAlreadyRead(t *testing.T) {
	svc := new(mocks.SyncServiceMock)
	router := setupSyncRouter(svc, nil)
	svc.On("MarkMessageRead", "c1", "m1").Return(nil, nil).Once()

	rec := serve(router, http.MethodPost, "/conversations/c1/messages/m1/read", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"mutation":null}`, rec.Body.String())
}

func TestListNotifications(t *testing.T) {
	svc := new(mocks.SyncServiceMock)
	router := setupSyncRouter(svc, nil)

	want := projector.NotificationFilter{Mode: projector.NotificationsImportant, Type: models.NotificationPayment, Limit: 5}
	svc.On("Notifications", want).Return([]*models.Notification{{ID: "n1"}}, nil).Once()

	rec := serve(router, http.MethodGet, "/notifications?filter=important&type=payment&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(router, http.MethodGet, "/notifications?limit=ten", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertExpectations(t)
}

func TestMarkAllNotificationsRead(t *testing.T) {
	svc := new(mocks.SyncServiceMock)
	router := setupSyncRouter(svc, nil)
	svc.On("MarkAllNotificationsRead").Return(3, nil).Once()

	rec := serve(router, http.MethodPost, "/notifications/read-all", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"marked":3}`, rec.Body.String())
}

func TestBadge(t *testing.T) {
	svc := new(mocks.SyncServiceMock)
	router := setupSyncRouter(svc, nil)
	svc.On("Totals").Return(store.Totals{UnreadConversations: 1, UnreadMessages: 4, UnreadNotifications: 2, Badge: 6}).Once()

	rec := serve(router, http.MethodGet, "/badge", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"unread_conversations":1,"unread_messages":4,"unread_notifications":2,"badge":6}`, rec.Body.String())
}

func TestPresenceRoutes(t *testing.T) {
	svc := new(mocks.SyncServiceMock)
	router := setupSyncRouter(svc, nil)

	svc.On("Presence", "u2").Return(models.PresenceEntry{UserID: "u2", Status: models.PresenceOffline}).Once()
	rec := serve(router, http.MethodGet, "/presence/u2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	svc.On("SetOwnPresence", mock.Anything, models.PresenceAway).Return(nil).Once()
	svc.On("SetOwnTyping", mock.Anything, "c1", true).Return(nil).Once()
	rec = serve(router, http.MethodPut, "/presence", `{"status":"away","typing":true,"conversation_id":"c1"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(router, http.MethodPut, "/presence", `{"typing":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(router, http.MethodPut, "/presence", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertExpectations(t)
}

func TestDebugRoutes(t *testing.T) {
	svc := new(mocks.SyncServiceMock)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, svc, nil, true)

	svc.On("Pending").Return([]*mutation.Mutation{{ID: "mut-1", Op: mutation.OpPin, Value: true}}).Once()
	rec := serve(r, http.MethodGet, "/debug/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mutation_id":"mut-1"`)

	rec = serve(r, http.MethodGet, "/debug/audit-test", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	off := gin.New()
	RegisterDebugRoutes(off, svc, nil, false)
	assert.Equal(t, http.StatusNotFound, serve(off, http.MethodGet, "/debug/pending", "").Code)
}
