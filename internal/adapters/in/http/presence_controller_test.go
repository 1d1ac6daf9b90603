package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/ports/in"
	presenceErr "github.com/EthanQC/presence/pkg/errors"
)

type stubUseCase struct {
	err error

	connect       []string
	statusDefault entity.PresenceStatus
	statusText    *string
	connStatus    entity.PresenceStatus
	ensured       string
	lostNode      string
	presence      *entity.UserPresence
}

var _ in.PresenceUseCase = (*stubUseCase)(nil)

func (s *stubUseCase) OnConnect(_ context.Context, uid, cid, node string) (*in.ConnectResult, error) {
	s.connect = []string{uid, cid, node}
	if s.err != nil {
		return nil, s.err
	}
	return &in.ConnectResult{UserID: uid, ConnectionID: cid}, nil
}

func (s *stubUseCase) OnDisconnect(_ context.Context, uid, cid string) (*in.DisconnectResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &in.DisconnectResult{UserID: uid, ConnectionID: cid}, nil
}

func (s *stubUseCase) SetUserDefaultStatus(_ context.Context, _ string, status entity.PresenceStatus, text *string) (bool, error) {
	s.statusDefault, s.statusText = status, text
	return s.err == nil, s.err
}

func (s *stubUseCase) SetConnectionStatus(_ context.Context, _, _ string, status entity.PresenceStatus) (bool, error) {
	s.connStatus = status
	return s.err == nil, s.err
}

func (s *stubUseCase) OnNodeLost(_ context.Context, nodeID string) ([]string, error) {
	s.lostNode = nodeID
	return []string{"u1"}, s.err
}

func (s *stubUseCase) ReconcileAgainstLiveMembership(context.Context) ([]string, error) {
	return []string{}, s.err
}

func (s *stubUseCase) GetPresence(context.Context, string) (*entity.UserPresence, error) {
	return s.presence, s.err
}

func (s *stubUseCase) EnsureUser(_ context.Context, uid, username string) error {
	s.ensured = uid + ":" + username
	return s.err
}

func newTestEngine(uc in.PresenceUseCase) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewEngine(prometheus.NewRegistry(), NewPresenceController(uc, "local-node"))
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestConnect_DefaultsToLocalNode(t *testing.T) {
	uc := &stubUseCase{}
	r := newTestEngine(uc)

	w := do(r, http.MethodPost, "/api/v1/connections", `{"uid":"u1","connectionId":"c1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"u1", "c1", "local-node"}, uc.connect)
	assert.Contains(t, w.Body.String(), `"connectionId":"c1"`)

	w = do(r, http.MethodPost, "/api/v1/connections", `{"uid":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSetStatus_ParsesAndValidates(t *testing.T) {
	uc := &stubUseCase{}
	r := newTestEngine(uc)

	w := do(r, http.MethodPut, "/api/v1/users/u1/connections/c1/status", `{"status":"Away"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, entity.PresenceStatusAway, uc.connStatus)

	w = do(r, http.MethodPut, "/api/v1/users/u1/connections/c1/status", `{"status":"sleeping"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPut, "/api/v1/users/u1/status", `{"statusDefault":"busy","statusText":"meeting"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, entity.PresenceStatusBusy, uc.statusDefault)
	require.NotNil(t, uc.statusText)
	assert.Equal(t, "meeting", *uc.statusText)

	w = do(r, http.MethodPut, "/api/v1/users/u1/status", `{"statusDefault":"offline"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, uc.statusText)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{presenceErr.ErrEmptyID, http.StatusBadRequest},
		{presenceErr.ErrConflict, http.StatusConflict},
		{presenceErr.ErrMembershipUnavailable, http.StatusServiceUnavailable},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		r := newTestEngine(&stubUseCase{err: tc.err})
		w := do(r, http.MethodDelete, "/api/v1/users/u1/connections/c1", "")
		assert.Equal(t, tc.code, w.Code, tc.err.Error())
	}
}

func TestPresenceAndUsers(t *testing.T) {
	uc := &stubUseCase{}
	r := newTestEngine(uc)

	w := do(r, http.MethodGet, "/api/v1/users/u1/presence", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	uc.presence = &entity.UserPresence{User: &entity.UserStatus{UserID: "u1", Status: entity.PresenceStatusOnline}}
	w = do(r, http.MethodGet, "/api/v1/users/u1/presence", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"online"`)

	w = do(r, http.MethodPut, "/api/v1/users/u1", `{"username":"alice"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "u1:alice", uc.ensured)

	w = do(r, http.MethodPut, "/api/v1/users/u2", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "u2:", uc.ensured)
}

func TestClusterRoutes(t *testing.T) {
	uc := &stubUseCase{}
	r := newTestEngine(uc)

	w := do(r, http.MethodPost, "/api/v1/cluster/nodes/n9/lost", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "n9", uc.lostNode)
	assert.Contains(t, w.Body.String(), `"affectedUsers":["u1"]`)

	w = do(r, http.MethodPost, "/api/v1/cluster/reconcile", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"affectedUsers":[]`)
}

func TestOperationalRoutes(t *testing.T) {
	r := newTestEngine(&stubUseCase{})

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/log/level", "").Code)
}
