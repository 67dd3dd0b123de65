package integration

import (
	"database/sql"
	"fmt"
)

// Row is the flat storage shape of a form_integrations record. Columns that
// do not belong to the row's kind are NULL.
type Row struct {
	ID              string
	FormID          string
	Type            string
	IsActive        bool
	WebhookURL      sql.NullString
	PixelID         sql.NullString
	AccessToken     sql.NullString
	EventType       sql.NullString
	CustomEventName sql.NullString
	TestEventCode   sql.NullString
	TagID           sql.NullString
	ConversionLabel sql.NullString
	EventName       sql.NullString
}

// Decode builds the typed variant for a row.
func Decode(r Row) (Config, error) {
	base := Base{IntegrationID: r.ID, Form: r.FormID, IsActive: r.IsActive}
	switch Kind(r.Type) {
	case KindWebhook:
		return &Webhook{Base: base, URL: r.WebhookURL.String}, nil
	case KindMetaAds:
		return &MetaAds{
			Base:            base,
			PixelID:         r.PixelID.String,
			AccessToken:     r.AccessToken.String,
			EventType:       r.EventType.String,
			CustomEventName: r.CustomEventName.String,
			TestEventCode:   r.TestEventCode.String,
		}, nil
	case KindGoogleAds:
		return &GoogleAds{Base: base, TagID: r.TagID.String, ConversionLabel: r.ConversionLabel.String}, nil
	case KindAnalytics:
		return &Analytics{Base: base, TagID: r.TagID.String, EventName: r.EventName.String}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, r.Type)
}

// Encode flattens a variant back into a row.
func Encode(c Config) (Row, error) {
	r := Row{ID: c.ID(), FormID: c.FormID(), Type: string(c.Kind()), IsActive: c.Active()}
	switch v := c.(type) {
	case *Webhook:
		r.WebhookURL = null(v.URL)
	case *MetaAds:
		r.PixelID = null(v.PixelID)
		r.AccessToken = null(v.AccessToken)
		r.EventType = null(v.EventType)
		r.CustomEventName = null(v.CustomEventName)
		r.TestEventCode = null(v.TestEventCode)
	case *GoogleAds:
		r.TagID = null(v.TagID)
		r.ConversionLabel = null(v.ConversionLabel)
	case *Analytics:
		r.TagID = null(v.TagID)
		r.EventName = null(v.EventName)
	default:
		return Row{}, fmt.Errorf("%w: %T", ErrUnknownKind, c)
	}
	return r, nil
}

func null(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
