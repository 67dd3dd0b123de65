package channel

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/shortontech/formrelay/internal/assets"
	"github.com/shortontech/formrelay/internal/integration"
	"github.com/shortontech/formrelay/internal/meta"
	"github.com/shortontech/formrelay/internal/pixel"
	"github.com/shortontech/formrelay/internal/tracking"
)

// ErrCAPIRejected marks a Conversions API call that did not succeed; the
// browser pixel still fired.
var ErrCAPIRejected = errors.New("conversions api call failed")

// EventSender is the server-side Meta path.
type EventSender interface {
	SendEvent(ctx context.Context, t meta.Target, u meta.UserData, tc tracking.Context, f meta.FormData, eventName, eventID string) bool
}

type MetaAdsOptions struct {
	Sender         EventSender
	Hasher         meta.Hasher
	DefaultCountry string
	Value          decimal.Decimal
	Currency       string
	Log            logrus.FieldLogger
	NewEventID     func() string
}

// MetaAds fires the Conversions API (when a token is configured) and the
// browser pixel with one shared event id so Meta can deduplicate them.
type MetaAds struct {
	opts MetaAdsOptions
}

func NewMetaAds(opts MetaAdsOptions) *MetaAds {
	if opts.Hasher == nil {
		opts.Hasher = meta.SHA256Hasher{}
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.NewEventID == nil {
		opts.NewEventID = uuid.NewString
	}
	if opts.Currency == "" {
		opts.Currency = "BRL"
	}
	if opts.Value.IsZero() {
		opts.Value = decimal.NewFromInt(1)
	}
	return &MetaAds{opts: opts}
}

func (m *MetaAds) Send(ctx context.Context, cfg *integration.MetaAds, p *integration.Payload, page *pixel.Page) Result {
	if !cfg.Active() || cfg.PixelID == "" {
		return Skipped("inactive or no pixel")
	}

	eventID := m.opts.NewEventID()
	eventName := cfg.EventName()
	user := meta.UserDataFromFields(p.FormFields, m.opts.DefaultCountry)
	log := m.opts.Log.WithFields(logrus.Fields{
		"integration_id": cfg.ID(),
		"pixel_id":       cfg.PixelID,
		"event_id":       eventID,
	})

	capiOK := false
	if cfg.AccessToken != "" && m.opts.Sender != nil {
		capiOK = m.opts.Sender.SendEvent(ctx,
			meta.Target{PixelID: cfg.PixelID, AccessToken: cfg.AccessToken, TestEventCode: cfg.TestEventCode},
			user, p.Context,
			meta.FormData{FormID: p.FormID, FormName: p.FormName, CompanyName: p.CompanyName},
			eventName, eventID)
		log.WithField("accepted", capiOK).Info("meta conversions api call finished")
	}

	page.EnsureScript(pixel.ScriptMetaPixel, string(assets.MetaPixelJS))
	page.Push(pixel.FBQ("init", cfg.PixelID, advancedMatching(meta.HashUserData(m.opts.Hasher, log, user))))

	track := "track"
	if cfg.IsCustomEvent() {
		track = "trackCustom"
	}
	page.Push(pixel.FBQ(track, eventName, map[string]any{
		"content_name":     p.FormName,
		"content_category": "lead_generation",
		"value":            m.opts.Value.InexactFloat64(),
		"currency":         m.opts.Currency,
	}, map[string]string{"eventID": eventID}))

	switch {
	case capiOK:
		return Result{Status: StatusDelivered, Strategy: "capi"}
	case cfg.AccessToken != "":
		return Result{Status: StatusUnobserved, Strategy: "pixel", Err: ErrCAPIRejected}
	default:
		return Result{Status: StatusUnobserved, Strategy: "pixel"}
	}
}

func advancedMatching(h meta.HashedUserData) map[string]string {
	am := make(map[string]string, 5)
	for k, v := range map[string]string{
		"em":      h.Email,
		"ph":      h.Phone,
		"fn":      h.FirstName,
		"ln":      h.LastName,
		"country": h.Country,
	} {
		if v != "" {
			am[k] = v
		}
	}
	return am
}
