// Package integration models the per-form integration configurations and the
// event payload shared by every channel.
package integration

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Kind is the integration_type discriminator.
type Kind string

const (
	KindWebhook   Kind = "webhook"
	KindMetaAds   Kind = "meta_ads"
	KindGoogleAds Kind = "google_ads"
	KindAnalytics Kind = "analytics"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindWebhook, KindMetaAds, KindGoogleAds, KindAnalytics}

var ErrUnknownKind = errors.New("unknown integration type")

// Config is one configured channel for one form. The concrete type is one of
// *Webhook, *MetaAds, *GoogleAds or *Analytics.
type Config interface {
	ID() string
	FormID() string
	Kind() Kind
	Active() bool
}

// Base holds the fields every variant shares.
type Base struct {
	IntegrationID string `json:"id"`
	Form          string `json:"form_id" validate:"required"`
	IsActive      bool   `json:"is_active"`
}

func (b Base) ID() string     { return b.IntegrationID }
func (b Base) FormID() string { return b.Form }
func (b Base) Active() bool   { return b.IsActive }

type Webhook struct {
	Base
	URL string `json:"webhook_url" validate:"required,url"`
}

func (*Webhook) Kind() Kind { return KindWebhook }

type MetaAds struct {
	Base
	PixelID         string `json:"pixel_id" validate:"required,numeric"`
	AccessToken     string `json:"access_token,omitempty"`
	EventType       string `json:"event_type,omitempty"`
	CustomEventName string `json:"custom_event_name,omitempty" validate:"required_if=EventType custom"`
	TestEventCode   string `json:"test_event_code,omitempty"`
}

func (*MetaAds) Kind() Kind { return KindMetaAds }

// MetaEventCustom selects CustomEventName as the tracked event.
const MetaEventCustom = "custom"

// DefaultMetaEvent is tracked when no event type is configured.
const DefaultMetaEvent = "Lead"

// EventName resolves the Meta event to track.
func (m *MetaAds) EventName() string {
	switch strings.TrimSpace(m.EventType) {
	case "":
		return DefaultMetaEvent
	case MetaEventCustom:
		if m.CustomEventName != "" {
			return m.CustomEventName
		}
		return DefaultMetaEvent
	default:
		return m.EventType
	}
}

// IsCustomEvent reports whether the event is outside Meta's standard set.
func (m *MetaAds) IsCustomEvent() bool {
	return m.EventType == MetaEventCustom && m.CustomEventName != ""
}

type GoogleAds struct {
	Base
	TagID           string `json:"tag_id" validate:"required"`
	ConversionLabel string `json:"conversion_label" validate:"required"`
}

func (*GoogleAds) Kind() Kind { return KindGoogleAds }

// SendTo is the gtag conversion target, "AW-123/label".
func (g *GoogleAds) SendTo() string {
	return g.TagID + "/" + g.ConversionLabel
}

type Analytics struct {
	Base
	TagID     string `json:"tag_id" validate:"required"`
	EventName string `json:"event_name" validate:"required"`
}

func (*Analytics) Kind() Kind { return KindAnalytics }

var validate = validator.New()

// Validate checks the variant's required settings.
func Validate(c Config) error {
	if c == nil {
		return ErrUnknownKind
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid %s integration: %w", c.Kind(), err)
	}
	return nil
}
