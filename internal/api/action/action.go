// Package action dispatches POST bodies of the form {"action": ..., ...} to
// per-endpoint handlers after authenticating the caller.
package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/d9705996/fleetd/internal/api/middleware"
	"github.com/d9705996/fleetd/internal/api/respond"
	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/authz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("fleetd/api")

// Authenticator resolves a session token to a Principal.
type Authenticator interface {
	Validate(ctx context.Context, token string) (*authz.Principal, error)
}

// Call is one dispatched request.
type Call struct {
	Action    string
	Token     string
	Principal *authz.Principal // nil for public actions
	Request   *http.Request
	body      []byte
}

// Decode unmarshals the request body into v. Unknown fields are ignored so
// the envelope keys can share the body.
func (c *Call) Decode(v any) error {
	if err := json.Unmarshal(c.body, v); err != nil {
		return apperr.Validation("malformed request body")
	}
	return nil
}

// Handler runs one action and returns the success status and payload.
type Handler func(ctx context.Context, c *Call) (int, any, error)

// Action is a named verb on an endpoint. Public actions skip session
// validation. Single-purpose endpoints register their action under "".
type Action struct {
	Public bool
	Handle Handler
}

// Endpoint serves one resource's actions.
type Endpoint struct {
	name    string
	actions map[string]Action
	auth    Authenticator
	log     *slog.Logger
	maxBody int64
}

// NewEndpoint creates an Endpoint. maxBody <= 0 means 1 MiB.
func NewEndpoint(name string, actions map[string]Action, auth Authenticator, maxBody int64, log *slog.Logger) *Endpoint {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Endpoint{name: name, actions: actions, auth: auth, log: log, maxBody: maxBody}
}

type envelope struct {
	Action       string `json:"action"`
	SessionToken string `json:"session_token"`
}

func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "action "+e.name)
	defer span.End()
	span.SetAttributes(attribute.String("fleetd.endpoint", e.name))

	name, status, payload, err := e.dispatch(ctx, w, r)
	if name != "" {
		span.SetAttributes(attribute.String("fleetd.action", name))
	}
	if err != nil {
		kind := apperr.KindOf(err)
		span.SetAttributes(attribute.String("fleetd.outcome", kind.String()))
		if kind == apperr.KindInternal {
			span.SetStatus(codes.Error, err.Error())
		}
		respond.Error(w, r.WithContext(ctx), e.log.With("endpoint", e.name), err)
		return
	}
	span.SetAttributes(attribute.String("fleetd.outcome", "ok"))
	respond.JSON(w, status, payload)
}

func (e *Endpoint) dispatch(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, int, any, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, e.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", 0, nil, apperr.Validation("request body too large")
		}
		return "", 0, nil, apperr.Validation("unreadable request body")
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return "", 0, nil, apperr.Validation("request body is required")
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", 0, nil, apperr.Validation("malformed request body")
	}
	act, ok := e.actions[env.Action]
	if !ok {
		if env.Action == "" {
			return "", 0, nil, apperr.Validation("action is required")
		}
		return env.Action, 0, nil, apperr.Validation("unknown action " + env.Action)
	}

	call := &Call{Action: env.Action, Token: env.SessionToken, Request: r, body: body}
	if call.Token == "" {
		call.Token = middleware.SessionToken(r)
	}
	if !act.Public {
		p, err := e.auth.Validate(ctx, call.Token)
		if err != nil {
			return env.Action, 0, nil, err
		}
		call.Principal = p
		ctx = middleware.WithPrincipal(ctx, p)
	}
	status, payload, err := act.Handle(ctx, call)
	return env.Action, status, payload, err
}
