package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/d9705996/fleetd/internal/api/action"
	"github.com/d9705996/fleetd/internal/service"
)

// TermsHandler serves the terms endpoint.
type TermsHandler struct {
	terms *service.Terms
}

// NewTermsHandler creates a TermsHandler.
func NewTermsHandler(terms *service.Terms) *TermsHandler {
	return &TermsHandler{terms: terms}
}

func (h *TermsHandler) Actions() map[string]action.Action {
	return map[string]action.Action{
		"latest":             {Public: true, Handle: h.latest},
		"check-acceptance":   {Handle: h.checkAcceptance},
		"record-consent":     {Handle: h.recordConsent},
		"publish":            {Handle: h.publish},
		"deactivate":         {Handle: h.deactivate},
		"list":               {Handle: h.list},
		"acceptance-history": {Handle: h.history},
	}
}

type termsBody struct {
	pageBody
	TermsID      string     `json:"terms_id"`
	UserID       string     `json:"user_id"`
	DocumentType string     `json:"document_type"`
	Region       string     `json:"region"`
	State        string     `json:"state"`
	Language     string     `json:"language"`
	Version      string     `json:"version"`
	Title        string     `json:"title"`
	PublicURL    string     `json:"public_url"`
	SHA256       string     `json:"sha256"`
	Effective    *time.Time `json:"effective_date"`

	Accepted          bool `json:"accepted"`
	ScrolledToBottom  bool `json:"scrolled_to_bottom"`
	TimeToReadSeconds int  `json:"time_to_read_seconds"`
}

func (b termsBody) query() service.TermsQuery {
	return service.TermsQuery{DocumentType: b.DocumentType, Region: b.Region, State: b.State, Language: b.Language}
}

func (h *TermsHandler) latest(ctx context.Context, c *action.Call) (int, any, error) {
	var in termsBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	tv, err := h.terms.Latest(ctx, in.query())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"terms": tv}, nil
}

func (h *TermsHandler) checkAcceptance(ctx context.Context, c *action.Call) (int, any, error) {
	var in termsBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	acc, err := h.terms.CheckAcceptance(ctx, c.Principal, in.DocumentType)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, acc, nil
}

func (h *TermsHandler) recordConsent(ctx context.Context, c *action.Call) (int, any, error) {
	var in termsBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	consent, err := h.terms.RecordConsent(ctx, c.Principal, service.ConsentInput{
		TermsID:           in.TermsID,
		Accepted:          in.Accepted,
		ScrolledToBottom:  in.ScrolledToBottom,
		TimeToReadSeconds: in.TimeToReadSeconds,
		IPAddress:         clientIP(c.Request),
		UserAgent:         c.Request.UserAgent(),
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, map[string]any{"consent_id": consent.ID, "consent": consent}, nil
}

func (h *TermsHandler) publish(ctx context.Context, c *action.Call) (int, any, error) {
	var in termsBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	pub := service.PublishInput{
		TermsQuery: in.query(),
		Version:    in.Version,
		Title:      in.Title,
		PublicURL:  in.PublicURL,
		SHA256:     in.SHA256,
	}
	if in.Effective != nil {
		pub.EffectiveDate = *in.Effective
	}
	tv, err := h.terms.Publish(ctx, c.Principal, pub)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, map[string]any{"terms": tv}, nil
}

func (h *TermsHandler) deactivate(ctx context.Context, c *action.Call) (int, any, error) {
	var in termsBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	if err := h.terms.Deactivate(ctx, c.Principal, in.TermsID); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, message("terms deactivated"), nil
}

func (h *TermsHandler) list(ctx context.Context, c *action.Call) (int, any, error) {
	var in termsBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	out, err := h.terms.List(ctx, c.Principal, in.Region, in.page())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"terms": out}, nil
}

func (h *TermsHandler) history(ctx context.Context, c *action.Call) (int, any, error) {
	var in termsBody
	if err := c.Decode(&in); err != nil {
		return 0, nil, err
	}
	out, err := h.terms.History(ctx, c.Principal, in.UserID, in.page())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"consents": out}, nil
}
