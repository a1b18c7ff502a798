// Package webhook manages webhook subscriptions: which URL receives which
// event types, signed with which secret.
package webhook

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	validation "github.com/jellydator/validation"
	"github.com/jellydator/validation/is"
	"github.com/rs/zerolog"

	apperrors "github.com/meschain/syncrelay/internal/errors"
	"github.com/meschain/syncrelay/internal/models"
	"github.com/meschain/syncrelay/internal/storage"
)

type RegisterInput struct {
	EventType   string `json:"event_type"`
	URL         string `json:"url"`
	Secret      string `json:"secret,omitempty"`
	Description string `json:"description,omitempty"`
}

func (in *RegisterInput) Validate() error {
	return validation.ValidateStruct(in,
		validation.Field(&in.EventType, validation.Required, validation.Length(1, 128), validation.By(eventTypePattern)),
		validation.Field(&in.URL, validation.Required, validation.Length(1, 2048), is.URL, validation.By(httpScheme)),
		validation.Field(&in.Secret, validation.Length(0, 256)),
		validation.Field(&in.Description, validation.Length(0, 1024)),
	)
}

// UpdateInput changes only the fields that are set.
type UpdateInput struct {
	EventType   *string `json:"event_type,omitempty"`
	URL         *string `json:"url,omitempty"`
	Secret      *string `json:"secret,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (in *UpdateInput) Validate() error {
	return validation.ValidateStruct(in,
		validation.Field(&in.EventType, validation.NilOrNotEmpty, validation.Length(1, 128), validation.By(eventTypePattern)),
		validation.Field(&in.URL, validation.NilOrNotEmpty, validation.Length(1, 2048), is.URL, validation.By(httpScheme)),
		validation.Field(&in.Secret, validation.NilOrNotEmpty, validation.Length(1, 256)),
		validation.Field(&in.Description, validation.Length(0, 1024)),
	)
}

func httpScheme(value any) error {
	s, ok := deref(value)
	if !ok || s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return errors.New("must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("must use http or https")
	}
	if u.Host == "" {
		return errors.New("must include a host")
	}
	return nil
}

// eventTypePattern accepts "*", an exact type, or a "family.*" wildcard.
func eventTypePattern(value any) error {
	s, ok := deref(value)
	if !ok || s == "" || s == "*" {
		return nil
	}
	if strings.TrimSpace(s) != s || strings.ContainsAny(s, " \t\n") {
		return errors.New("must not contain whitespace")
	}
	if strings.Contains(strings.TrimSuffix(s, ".*"), "*") {
		return errors.New(`wildcards are only allowed as "*" or "prefix.*"`)
	}
	return nil
}

func deref(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case *string:
		if v == nil {
			return "", false
		}
		return *v, true
	}
	return "", false
}

func invalid(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.Wrap(apperrors.ErrInvalidInput, err.Error())
}

type Registry struct {
	store storage.Storage
	log   zerolog.Logger
}

func NewRegistry(store storage.Storage, log zerolog.Logger) *Registry {
	return &Registry{
		store: store,
		log:   log.With().Str("component", "webhook").Logger(),
	}
}

// Register creates an enabled subscription. A secret is generated when
// none is supplied.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*models.WebhookSubscription, error) {
	in.EventType = strings.TrimSpace(in.EventType)
	in.URL = strings.TrimSpace(in.URL)
	if err := in.Validate(); err != nil {
		return nil, invalid(err)
	}

	secret := in.Secret
	if secret == "" {
		secret = models.NewSecret()
	}

	now := time.Now().UTC()
	sub := &models.WebhookSubscription{
		ID:          models.NewID("whk"),
		EventType:   in.EventType,
		URL:         in.URL,
		Description: in.Description,
		Secret:      secret,
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	r.log.Info().
		Str("webhook_id", sub.ID).
		Str("event_type", sub.EventType).
		Str("url", sub.URL).
		Msg("webhook registered")
	return sub, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	sub, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "webhook "+id)
	}
	return sub, nil
}

func (r *Registry) List(ctx context.Context, page models.Page) ([]models.WebhookSubscription, int64, error) {
	return r.store.ListSubscriptions(ctx, page)
}

func (r *Registry) Update(ctx context.Context, id string, in UpdateInput) (*models.WebhookSubscription, error) {
	if err := in.Validate(); err != nil {
		return nil, invalid(err)
	}
	sub, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.EventType != nil {
		sub.EventType = strings.TrimSpace(*in.EventType)
	}
	if in.URL != nil {
		sub.URL = strings.TrimSpace(*in.URL)
	}
	if in.Secret != nil {
		sub.Secret = *in.Secret
	}
	if in.Description != nil {
		sub.Description = *in.Description
	}
	sub.UpdatedAt = time.Now().UTC()

	if err := r.store.UpdateSubscription(ctx, sub); err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.Wrap(err, "webhook "+id)
		}
		return nil, err
	}
	return sub, nil
}

// SetEnabled turns delivery on or off. Re-enabling a subscription that the
// circuit breaker disabled clears its failure streak.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) (*models.WebhookSubscription, error) {
	changed, err := r.store.SetSubscriptionEnabled(ctx, id, enabled)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.Wrap(err, "webhook "+id)
		}
		return nil, err
	}
	if changed {
		r.log.Info().Str("webhook_id", id).Bool("enabled", enabled).Msg("webhook state changed")
	}
	return r.Get(ctx, id)
}

// Remove deletes the subscription together with its delivery history.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.store.DeleteSubscription(ctx, id); err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return apperrors.Wrap(err, "webhook "+id)
		}
		return err
	}
	r.log.Info().Str("webhook_id", id).Msg("webhook removed")
	return nil
}

// ListBySubscription returns the enabled subscriptions that receive
// eventType, wildcards included.
func (r *Registry) ListBySubscription(ctx context.Context, eventType string) ([]models.WebhookSubscription, error) {
	return r.store.ListEnabledSubscriptions(ctx, eventType)
}

// EventTypes is the catalog offered to operators when registering.
func (r *Registry) EventTypes() []string {
	out := make([]string, len(models.KnownEventTypes))
	copy(out, models.KnownEventTypes)
	return out
}
