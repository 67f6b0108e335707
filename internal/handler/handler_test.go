package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairlink/session-server/internal/backend"
	"github.com/pairlink/session-server/internal/model"
	"github.com/pairlink/session-server/internal/service"
	"github.com/pairlink/session-server/internal/sse"
	"github.com/pairlink/session-server/internal/store"
	"github.com/pairlink/session-server/internal/token"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type stubAdapter struct {
	code   string
	qr     string
	err    error
	events chan backend.Event
}

func (a *stubAdapter) RequestPairingCode(ctx context.Context, sessionID, phone string) (string, error) {
	return a.code, a.err
}

func (a *stubAdapter) RequestQR(ctx context.Context, sessionID string) (<-chan string, error) {
	if a.err != nil {
		return nil, a.err
	}
	ch := make(chan string, 1)
	ch <- a.qr
	close(ch)
	return ch, nil
}

func (a *stubAdapter) Events() <-chan backend.Event {
	return a.events
}

func (a *stubAdapter) Close(ctx context.Context, id string) error {
	return nil
}

func (a *stubAdapter) HasHandle(id string) bool {
	return false
}

type testServer struct {
	router  chi.Router
	svc     *service.SessionService
	adapter *stubAdapter
	broker  *sse.Broker
	clock   *testClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	clock := &testClock{t: time.Now()}
	st := store.NewMemoryStore(store.WithClock(clock.Now))
	codec, err := token.NewCodec(strings.Repeat("ab", 32))
	require.NoError(t, err)

	adapter := &stubAdapter{code: "WXYZ1234", qr: "qr-payload", events: make(chan backend.Event)}
	broker := sse.NewBroker(nil)
	t.Cleanup(broker.Close)

	svc := service.NewSessionService(st, adapter, codec, broker, nil, service.Config{})

	events := NewEventsHandler(broker, svc)
	events.heartbeatInterval = 20 * time.Millisecond

	r := chi.NewRouter()
	r.Get("/api/sessions/{id}/events", events.ServeHTTP)
	r.Mount("/api/sessions", NewSessionHandler(svc).Routes())
	r.Mount("/api/pairing", NewPairingHandler(svc).Routes(nil, nil))
	r.Mount("/api/tokens", NewTokenHandler(svc).Routes())

	system := NewSystemHandler(svc, map[string]PingFunc{
		"store": func(ctx context.Context) error { return nil },
	})
	r.Get("/api/stats", system.Stats)
	r.Get("/health", system.Health)

	return &testServer{router: r, svc: svc, adapter: adapter, broker: broker, clock: clock}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createSession(t *testing.T, body any) model.Session {
	t.Helper()
	rec := s.do(http.MethodPost, "/api/sessions", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Session model.Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Session
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSessionHandler_Create(t *testing.T) {
	srv := newTestServer(t)

	t.Run("applies defaults", func(t *testing.T) {
		sess := srv.createSession(t, nil)

		assert.Len(t, sess.ID, 32)
		assert.Regexp(t, `^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`, sess.PairingCode)
		assert.Equal(t, model.DefaultSessionName, sess.Name)
		assert.Equal(t, model.SessionStatusPending, sess.Status)
		assert.Empty(t, sess.Devices)
	})

	t.Run("normalizes phone", func(t *testing.T) {
		sess := srv.createSession(t, map[string]string{"phoneNumber": "+1 (555) 123-4567", "name": "desk"})
		assert.Equal(t, "15551234567", sess.PhoneNumber)
		assert.Equal(t, "desk", sess.Name)
	})

	t.Run("rejects short phone", func(t *testing.T) {
		rec := srv.do(http.MethodPost, "/api/sessions", map[string]string{"phoneNumber": "12345"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_PHONE_NUMBER", decodeBody(t, rec)["code"])
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		srv.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("never exposes credentials", func(t *testing.T) {
		sess := srv.createSession(t, map[string]string{"phoneNumber": "5551234567"})
		require.NoError(t, srv.svc.OnBackendConnected(context.Background(), sess.ID, json.RawMessage(`{"secret":"s3"}`)))

		rec := srv.do(http.MethodGet, "/api/sessions/"+sess.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), "s3")
		assert.Contains(t, rec.Body.String(), `"status":"connected"`)
	})
}

func TestSessionHandler_GetListDelete(t *testing.T) {
	srv := newTestServer(t)

	var ids []string
	for i := 0; i < 12; i++ {
		ids = append(ids, srv.createSession(t, nil).ID)
	}

	t.Run("get", func(t *testing.T) {
		rec := srv.do(http.MethodGet, "/api/sessions/"+ids[0], nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = srv.do(http.MethodGet, "/api/sessions/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("list defaults to ten", func(t *testing.T) {
		rec := srv.do(http.MethodGet, "/api/sessions", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.EqualValues(t, 10, body["count"])
	})

	t.Run("list honours limit", func(t *testing.T) {
		rec := srv.do(http.MethodGet, "/api/sessions?limit=3", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.EqualValues(t, 3, body["count"])

		rec = srv.do(http.MethodGet, "/api/sessions?limit=500", nil)
		body = decodeBody(t, rec)
		assert.EqualValues(t, 12, body["count"])
		assert.EqualValues(t, MaxLimit, body["limit"])
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			rec := srv.do(http.MethodDelete, "/api/sessions/"+ids[1], nil)
			assert.Equal(t, http.StatusOK, rec.Code)
		}
		rec := srv.do(http.MethodDelete, "/api/sessions/never-existed", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = srv.do(http.MethodGet, "/api/sessions/"+ids[1], nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("expired reads as not found", func(t *testing.T) {
		srv.clock.Advance(service.DefaultSessionTTL + time.Second)
		rec := srv.do(http.MethodGet, "/api/sessions/"+ids[2], nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSessionHandler_PairingCodeAndQR(t *testing.T) {
	srv := newTestServer(t)

	t.Run("issues a pairing code", func(t *testing.T) {
		sess := srv.createSession(t, map[string]string{"phoneNumber": "5551234567"})

		rec := srv.do(http.MethodPost, "/api/sessions/"+sess.ID+"/pairing-code", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "WXYZ1234", decodeBody(t, rec)["code"])

		got, err := srv.svc.GetSession(context.Background(), sess.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusActive, got.Status)
	})

	t.Run("requires a phone number", func(t *testing.T) {
		sess := srv.createSession(t, nil)
		rec := srv.do(http.MethodPost, "/api/sessions/"+sess.ID+"/pairing-code", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		rec := srv.do(http.MethodPost, "/api/sessions/missing/pairing-code", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		rec = srv.do(http.MethodPost, "/api/sessions/missing/qr", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("issues a qr without phone", func(t *testing.T) {
		sess := srv.createSession(t, nil)
		rec := srv.do(http.MethodPost, "/api/sessions/"+sess.ID+"/qr", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "qr-payload", decodeBody(t, rec)["qr"])
	})

	t.Run("backend failure is a bad gateway", func(t *testing.T) {
		sess := srv.createSession(t, map[string]string{"phoneNumber": "5551234567"})
		srv.adapter.err = errors.New("bridge offline")
		defer func() { srv.adapter.err = nil }()

		rec := srv.do(http.MethodPost, "/api/sessions/"+sess.ID+"/pairing-code", nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "EXTERNAL_SERVICE_ERROR", body["code"])
		assert.Contains(t, body["error"], "bridge offline")

		got, err := srv.svc.GetSession(context.Background(), sess.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusPending, got.Status)
	})
}

func TestSessionHandler_Token(t *testing.T) {
	srv := newTestServer(t)
	sess := srv.createSession(t, map[string]string{"phoneNumber": "5551234567"})

	rec := srv.do(http.MethodGet, "/api/sessions/"+sess.ID+"/token", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, srv.svc.OnBackendConnected(context.Background(), sess.ID, json.RawMessage(`{"k":"v"}`)))

	rec = srv.do(http.MethodGet, "/api/sessions/"+sess.ID+"/token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tok, _ := decodeBody(t, rec)["token"].(string)
	require.NotEmpty(t, tok)

	t.Run("validates", func(t *testing.T) {
		rec := srv.do(http.MethodPost, "/api/tokens/validate", map[string]string{"token": tok})
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, true, body["valid"])
		data, _ := body["data"].(map[string]any)
		assert.Equal(t, sess.ID, data["sessionId"])
	})

	t.Run("rejects tampering without detail", func(t *testing.T) {
		rec := srv.do(http.MethodPost, "/api/tokens/validate", map[string]string{"token": tok[:len(tok)-4] + "AAAA"})
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, false, body["valid"])
		assert.Equal(t, token.ReasonInvalid, body["reason"])
		assert.NotContains(t, body, "data")
	})
}

func TestPairingHandler(t *testing.T) {
	srv := newTestServer(t)

	t.Run("request creates and issues", func(t *testing.T) {
		rec := srv.do(http.MethodPost, "/api/pairing/request", map[string]string{"phoneNumber": "555-123-4567"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decodeBody(t, rec)
		assert.Equal(t, "WXYZ1234", body["code"])
		sess, _ := body["session"].(map[string]any)
		assert.Equal(t, "active", sess["status"])
		assert.Equal(t, model.SessionTypePairingCode, sess["type"])
	})

	t.Run("request requires a phone", func(t *testing.T) {
		rec := srv.do(http.MethodPost, "/api/pairing/request", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("request reports the pending session on backend failure", func(t *testing.T) {
		srv.adapter.err = errors.New("bridge offline")
		defer func() { srv.adapter.err = nil }()

		rec := srv.do(http.MethodPost, "/api/pairing/request", map[string]string{"phoneNumber": "5551234567"})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		details, _ := decodeBody(t, rec)["details"].(map[string]any)
		assert.NotEmpty(t, details["sessionId"])
	})

	sess := srv.createSession(t, nil)

	t.Run("validate", func(t *testing.T) {
		tests := []struct {
			code   string
			valid  bool
			reason string
		}{
			{sess.PairingCode, true, ""},
			{"  " + strings.ToLower(sess.PairingCode) + " ", true, ""},
			{"ABCD-EFGH", false, service.ReasonInvalidFormat},
			{"ZZZZ-ZZZZ-ZZZZ-ZZZZ", false, service.ReasonNotFound},
		}
		for _, tt := range tests {
			rec := srv.do(http.MethodPost, "/api/pairing/validate", map[string]string{"code": tt.code})
			require.Equal(t, http.StatusOK, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, tt.valid, body["valid"], tt.code)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, body["reason"], tt.code)
			} else {
				assert.NotNil(t, body["session"], tt.code)
			}
		}
	})

	t.Run("attach device", func(t *testing.T) {
		rec := srv.do(http.MethodPost, "/api/pairing/"+sess.PairingCode+"/devices", map[string]string{"name": "laptop"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decodeBody(t, rec)
		device, _ := body["device"].(map[string]any)
		assert.Equal(t, "laptop", device["name"])
		assert.Len(t, device["id"], 36)

		rec = srv.do(http.MethodPost, "/api/pairing/"+sess.PairingCode+"/devices", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body = decodeBody(t, rec)
		device, _ = body["device"].(map[string]any)
		assert.Equal(t, model.DefaultDeviceName, device["name"])
		updated, _ := body["session"].(map[string]any)
		assert.Len(t, updated["devices"], 2)
		assert.Equal(t, "pending", updated["status"])
	})

	t.Run("attach device errors", func(t *testing.T) {
		rec := srv.do(http.MethodPost, "/api/pairing/bad-code/devices", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = srv.do(http.MethodPost, "/api/pairing/ZZZZ-ZZZZ-ZZZZ-ZZZZ/devices", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		srv.clock.Advance(service.DefaultSessionTTL + time.Second)
		rec = srv.do(http.MethodPost, "/api/pairing/"+sess.PairingCode+"/devices", nil)
		assert.Equal(t, http.StatusGone, rec.Code)
	})
}

func TestSystemHandler(t *testing.T) {
	srv := newTestServer(t)
	srv.createSession(t, nil)
	srv.createSession(t, nil)

	rec := srv.do(http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 2, body["totalSessions"])
	assert.EqualValues(t, 2, body["pendingSessions"])

	rec = srv.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])

	t.Run("failing check degrades health", func(t *testing.T) {
		h := NewSystemHandler(srv.svc, map[string]PingFunc{
			"redis": func(ctx context.Context) error { return errors.New("connection refused") },
		})
		rec := httptest.NewRecorder()
		h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "degraded", body["status"])
		checks, _ := body["checks"].(map[string]any)
		assert.Equal(t, "error", checks["redis"])
	})
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", DefaultLimit},
		{"limit=abc", DefaultLimit},
		{"limit=0", DefaultLimit},
		{"limit=-5", DefaultLimit},
		{"limit=25", 25},
		{"limit=100", 100},
		{"limit=101", MaxLimit},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
		assert.Equal(t, tt.want, ParsePagination(req).Limit, tt.query)
	}
}
