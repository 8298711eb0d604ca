package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/authz"
	"github.com/d9705996/fleetd/internal/model"
	"github.com/d9705996/fleetd/internal/store"
	"gorm.io/gorm"
)

const (
	// DocTerms is the default document type.
	DocTerms = "terms"

	defaultRegion   = "US"
	defaultLanguage = "en"
)

// Terms publishes legal documents and records users' answers to them.
type Terms struct {
	d Deps
}

func NewTerms(d Deps) *Terms {
	return &Terms{d: d}
}

// TermsQuery selects the document a user should see.
type TermsQuery struct {
	DocumentType string
	Region       string
	State        string
	Language     string
}

func (q TermsQuery) normalized() TermsQuery {
	q.DocumentType = strings.ToLower(strings.TrimSpace(q.DocumentType))
	if q.DocumentType == "" {
		q.DocumentType = DocTerms
	}
	q.Region = strings.ToUpper(strings.TrimSpace(q.Region))
	q.State = strings.ToUpper(strings.TrimSpace(q.State))
	q.Language = strings.ToLower(strings.TrimSpace(q.Language))
	if q.Language == "" {
		q.Language = defaultLanguage
	}
	return q
}

// Latest returns the newest effective version for q. A state-specific
// document beats the region-wide one, and English stands in for a
// language with no translation.
func (t *Terms) Latest(ctx context.Context, q TermsQuery) (*model.TermsVersion, error) {
	q = q.normalized()
	if q.Region == "" {
		return nil, apperr.Validation("region is required")
	}
	tv, err := t.latest(ctx, q)
	if err != nil {
		return nil, err
	}
	if tv == nil {
		return nil, apperr.NotFound("terms")
	}
	return tv, nil
}

// latest is Latest with a nil result for "nothing published".
func (t *Terms) latest(ctx context.Context, q TermsQuery) (*model.TermsVersion, error) {
	type key struct{ state, lang string }
	var tries []key
	for _, lang := range []string{q.Language, defaultLanguage} {
		if q.State != "" {
			tries = append(tries, key{q.State, lang})
		}
		tries = append(tries, key{"", lang})
		if lang == defaultLanguage {
			break
		}
	}
	for _, k := range tries {
		var tv model.TermsVersion
		err := t.d.DB.WithContext(ctx).
			Where("document_type = ? AND region_code = ? AND state_code = ? AND language_code = ?",
				q.DocumentType, q.Region, k.state, k.lang).
			Where("is_active = ? AND effective_date <= ?", true, t.d.Now()).
			Order("effective_date DESC, created_at DESC").
			First(&tv).Error
		if err == nil {
			return &tv, nil
		}
		if !store.IsNotFound(err) {
			return nil, apperr.Internal(fmt.Errorf("find terms: %w", err))
		}
	}
	return nil, nil
}

// Acceptance compares a user's last accepted version with the latest one.
type Acceptance struct {
	NeedsAcceptance bool                `json:"needs_acceptance"`
	CurrentVersion  *string             `json:"current_version"`
	LatestVersion   *string             `json:"latest_version"`
	LastAcceptedAt  *time.Time          `json:"last_accepted_at"`
	Terms           *model.TermsVersion `json:"terms"`
}

// CheckAcceptance uses the caller's stored region and language. With
// nothing published there is nothing to accept.
func (t *Terms) CheckAcceptance(ctx context.Context, p *authz.Principal, docType string) (*Acceptance, error) {
	var u model.User
	if err := t.d.DB.WithContext(ctx).Select("id", "region", "language").First(&u, "id = ?", p.ID).Error; err != nil {
		return nil, apperr.Internal(fmt.Errorf("find user: %w", err))
	}
	region := u.Region
	if region == "" {
		region = defaultRegion
	}
	q := TermsQuery{DocumentType: docType, Region: region, Language: u.Language}.normalized()
	latest, err := t.latest(ctx, q)
	if err != nil {
		return nil, err
	}
	out := &Acceptance{Terms: latest}
	if latest == nil {
		return out, nil
	}
	out.LatestVersion = &latest.Version

	var last model.UserConsent
	err = t.d.DB.WithContext(ctx).
		Where("user_id = ? AND document_type = ? AND region_code = ? AND accepted = ?", p.ID, q.DocumentType, q.Region, true).
		Order("created_at DESC").First(&last).Error
	switch {
	case store.IsNotFound(err):
		out.NeedsAcceptance = true
	case err != nil:
		return nil, apperr.Internal(fmt.Errorf("find consent: %w", err))
	default:
		out.CurrentVersion = &last.Version
		out.LastAcceptedAt = &last.CreatedAt
		out.NeedsAcceptance = last.Version != latest.Version
	}
	return out, nil
}

// ConsentInput is a user's answer to one published version.
type ConsentInput struct {
	TermsID           string
	Accepted          bool
	ScrolledToBottom  bool
	TimeToReadSeconds int
	IPAddress         string
	UserAgent         string
}

// RecordConsent stores the caller's answer. Declines are recorded too.
func (t *Terms) RecordConsent(ctx context.Context, p *authz.Principal, in ConsentInput) (*model.UserConsent, error) {
	if in.TermsID == "" {
		return nil, apperr.Validation("terms_id is required")
	}
	if in.TimeToReadSeconds < 0 {
		return nil, apperr.Validation("time_to_read_seconds cannot be negative")
	}
	var tv model.TermsVersion
	err := t.d.DB.WithContext(ctx).First(&tv, "id = ? AND is_active = ?", in.TermsID, true).Error
	if store.IsNotFound(err) {
		return nil, apperr.NotFound("terms")
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("find terms: %w", err))
	}
	c := &model.UserConsent{
		UserID:            p.ID,
		TermsID:           tv.ID,
		DocumentType:      tv.DocumentType,
		RegionCode:        tv.RegionCode,
		Version:           tv.Version,
		Accepted:          in.Accepted,
		ScrolledToBottom:  in.ScrolledToBottom,
		TimeToReadSeconds: in.TimeToReadSeconds,
		IPAddress:         in.IPAddress,
		UserAgent:         in.UserAgent,
		CreatedAt:         t.d.Now(),
	}
	if err := t.d.DB.WithContext(ctx).Create(c).Error; err != nil {
		return nil, apperr.Internal(fmt.Errorf("record consent: %w", err))
	}
	return c, nil
}

// PublishInput describes a new version. A zero EffectiveDate means now.
type PublishInput struct {
	TermsQuery
	Version       string
	Title         string
	PublicURL     string
	SHA256        string
	EffectiveDate time.Time
	DistributorID *string
}

// Publish adds a version. Distributor staff publish for their own
// distributor only.
func (t *Terms) Publish(ctx context.Context, p *authz.Principal, in PublishInput) (*model.TermsVersion, error) {
	switch {
	case authz.HasAny(p, authz.ManufacturerAdmin):
	case authz.HasAny(p, authz.DistributorStaff) && p.DistributorID != nil:
		in.DistributorID = p.DistributorID
	default:
		return nil, apperr.Forbidden("only administrators and distributor staff can publish terms")
	}
	q := in.TermsQuery.normalized()
	in.Version = strings.TrimSpace(in.Version)
	in.Title = strings.TrimSpace(in.Title)
	in.PublicURL = strings.TrimSpace(in.PublicURL)
	if q.Region == "" || in.Version == "" || in.Title == "" || in.PublicURL == "" {
		return nil, apperr.Validation("region, version, title and public_url are required")
	}
	effective := in.EffectiveDate
	if effective.IsZero() {
		effective = t.d.Now()
	}
	tv := &model.TermsVersion{
		DocumentType:  q.DocumentType,
		RegionCode:    q.Region,
		StateCode:     q.State,
		LanguageCode:  q.Language,
		Version:       in.Version,
		Title:         in.Title,
		PublicURL:     in.PublicURL,
		SHA256:        strings.ToLower(strings.TrimSpace(in.SHA256)),
		DistributorID: in.DistributorID,
		EffectiveDate: effective.UTC(),
		IsActive:      true,
		CreatedBy:     p.ID,
		CreatedAt:     t.d.Now(),
	}
	err := t.d.DB.WithContext(ctx).Create(tv).Error
	if store.IsUniqueViolation(err) {
		return nil, apperr.Conflict("this version is already published")
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("publish terms: %w", err))
	}
	return tv, nil
}

// Deactivate withdraws a version. Recorded consents keep pointing at it.
func (t *Terms) Deactivate(ctx context.Context, p *authz.Principal, id string) error {
	if !authz.HasAny(p, authz.ManufacturerAdmin, authz.DistributorStaff) {
		return apperr.Forbidden("only administrators and distributor staff can withdraw terms")
	}
	var tv model.TermsVersion
	if err := t.d.DB.WithContext(ctx).Scopes(termsOwnedBy(p)).First(&tv, "id = ?", id).Error; err != nil {
		if store.IsNotFound(err) {
			return apperr.NotFound("terms")
		}
		return apperr.Internal(fmt.Errorf("find terms: %w", err))
	}
	if err := t.d.DB.WithContext(ctx).Model(&tv).Update("is_active", false).Error; err != nil {
		return apperr.Internal(fmt.Errorf("deactivate terms: %w", err))
	}
	return nil
}

// termsOwnedBy limits distributor staff to their own distributor's
// documents.
func termsOwnedBy(p *authz.Principal) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if authz.HasAny(p, authz.ManufacturerAdmin) {
			return db
		}
		if p.DistributorID == nil {
			return db.Where("1 = 0")
		}
		return db.Where("distributor_id = ?", *p.DistributorID)
	}
}

// List returns published versions, newest first. Distributor staff also
// see the manufacturer's own documents.
func (t *Terms) List(ctx context.Context, p *authz.Principal, region string, page Page) ([]model.TermsVersion, error) {
	q := t.d.DB.WithContext(ctx).Model(&model.TermsVersion{})
	switch {
	case authz.HasAny(p, authz.ManufacturerAdmin):
	case authz.HasAny(p, authz.DistributorStaff) && p.DistributorID != nil:
		q = q.Where("distributor_id = ? OR distributor_id IS NULL", *p.DistributorID)
	default:
		return nil, apperr.Forbidden("not permitted to list terms")
	}
	if region = strings.ToUpper(strings.TrimSpace(region)); region != "" {
		q = q.Where("region_code = ?", region)
	}
	out := []model.TermsVersion{}
	if err := q.Scopes(page.apply).Order("effective_date DESC, created_at DESC").Find(&out).Error; err != nil {
		return nil, apperr.Internal(fmt.Errorf("list terms: %w", err))
	}
	return out, nil
}

// History lists a user's answers, newest first. Users may read their own;
// administrators anyone's.
func (t *Terms) History(ctx context.Context, p *authz.Principal, userID string, page Page) ([]model.UserConsent, error) {
	if userID == "" {
		userID = p.ID
	}
	if userID != p.ID && !authz.HasAny(p, authz.ManufacturerAdmin) {
		return nil, apperr.Forbidden("not permitted to read another user's consent history")
	}
	out := []model.UserConsent{}
	if err := t.d.DB.WithContext(ctx).Where("user_id = ?", userID).
		Scopes(page.apply).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, apperr.Internal(fmt.Errorf("list consents: %w", err))
	}
	return out, nil
}
