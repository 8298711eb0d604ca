package action_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/d9705996/fleetd/internal/api/action"
	"github.com/d9705996/fleetd/internal/api/middleware"
	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/authz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuth struct {
	tokens map[string]*authz.Principal
	seen   []string
}

func (f *fakeAuth) Validate(_ context.Context, token string) (*authz.Principal, error) {
	f.seen = append(f.seen, token)
	if token == "" {
		return nil, apperr.Unauthenticated("session token required")
	}
	p, ok := f.tokens[token]
	if !ok {
		return nil, apperr.Unauthenticated("invalid session")
	}
	return p, nil
}

func newEndpoint(auth *fakeAuth) *action.Endpoint {
	type echoBody struct {
		Name string `json:"name"`
	}
	return action.NewEndpoint("things", map[string]action.Action{
		"ping": {Public: true, Handle: func(ctx context.Context, c *action.Call) (int, any, error) {
			return http.StatusOK, map[string]any{"pong": true, "principal": c.Principal != nil}, nil
		}},
		"whoami": {Handle: func(ctx context.Context, c *action.Call) (int, any, error) {
			var in echoBody
			if err := c.Decode(&in); err != nil {
				return 0, nil, err
			}
			return http.StatusCreated, map[string]any{
				"id":   middleware.PrincipalFromContext(ctx).ID,
				"name": in.Name,
			}, nil
		}},
		"conflict": {Public: true, Handle: func(ctx context.Context, c *action.Call) (int, any, error) {
			return 0, nil, apperr.InvalidTransition("booked", []string{"in_progress"})
		}},
	}, auth, 64, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func post(t *testing.T, h http.Handler, body string, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/things", strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w, out
}

func TestEndpoint_PublicActionSkipsAuth(t *testing.T) {
	auth := &fakeAuth{}
	w, out := post(t, newEndpoint(auth), `{"action":"ping"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["pong"])
	assert.Equal(t, false, out["principal"])
	assert.Empty(t, auth.seen)
}

func TestEndpoint_AuthenticatedAction(t *testing.T) {
	auth := &fakeAuth{tokens: map[string]*authz.Principal{"tok": {ID: "u1"}}}
	h := newEndpoint(auth)

	w, out := post(t, h, `{"action":"whoami","session_token":"tok","name":"x"}`, nil)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "u1", out["id"])
	assert.Equal(t, "x", out["name"])

	w, _ = post(t, h, `{"action":"whoami"}`, map[string]string{middleware.SessionHeader: "tok"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w, out = post(t, h, `{"action":"whoami","session_token":"nope"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthenticated", out["code"])

	w, _ = post(t, h, `{"action":"whoami"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEndpoint_BadEnvelopes(t *testing.T) {
	h := newEndpoint(&fakeAuth{})
	cases := map[string]string{
		"empty":     ``,
		"not json":  `{action`,
		"no action": `{"session_token":"x"}`,
		"unknown":   `{"action":"explode"}`,
		"too large": `{"action":"ping","pad":"` + strings.Repeat("a", 100) + `"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w, out := post(t, h, body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "validation", out["code"])
		})
	}
}

func TestEndpoint_TypedErrorRendered(t *testing.T) {
	w, out := post(t, newEndpoint(&fakeAuth{}), `{"action":"conflict"}`, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "booked", out["current_status"])
	assert.Equal(t, []any{"in_progress"}, out["allowed_statuses"])
}

func TestEndpoint_DefaultAction(t *testing.T) {
	h := action.NewEndpoint("login", map[string]action.Action{
		"": {Public: true, Handle: func(ctx context.Context, c *action.Call) (int, any, error) {
			return http.StatusOK, map[string]string{"ok": "yes"}, nil
		}},
	}, &fakeAuth{}, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))

	w, out := post(t, h, `{"email":"a@b.test"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "yes", out["ok"])
}
