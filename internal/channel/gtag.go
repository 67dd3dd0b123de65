package channel

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/shortontech/formrelay/internal/assets"
	"github.com/shortontech/formrelay/internal/integration"
	"github.com/shortontech/formrelay/internal/pixel"
)

func ensureGtag(page *pixel.Page, tagID string) {
	page.EnsureScript(pixel.ScriptGtag, fmt.Sprintf(string(assets.GtagJS), tagID))
}

// GoogleAds queues a gtag conversion.
type GoogleAds struct {
	Value    decimal.Decimal
	Currency string
}

func (g GoogleAds) Send(_ context.Context, cfg *integration.GoogleAds, _ *integration.Payload, page *pixel.Page) Result {
	if !cfg.Active() || cfg.TagID == "" {
		return Skipped("inactive or no tag")
	}
	ensureGtag(page, cfg.TagID)
	page.Push(
		pixel.Gtag("config", cfg.TagID),
		pixel.Gtag("event", "conversion", map[string]any{
			"send_to":  cfg.SendTo(),
			"value":    g.Value.InexactFloat64(),
			"currency": g.Currency,
		}),
	)
	return Result{Status: StatusUnobserved, Strategy: "gtag"}
}

// DefaultAnalyticsEvent is sent when the integration names no event.
const DefaultAnalyticsEvent = "form_submit"

// Analytics queues a named gtag event for Google Analytics.
type Analytics struct{}

func (Analytics) Send(_ context.Context, cfg *integration.Analytics, p *integration.Payload, page *pixel.Page) Result {
	if !cfg.Active() || cfg.TagID == "" {
		return Skipped("inactive or no tag")
	}
	name := cfg.EventName
	if name == "" {
		name = DefaultAnalyticsEvent
	}
	ensureGtag(page, cfg.TagID)
	// the loader may belong to another tag, so the property is configured here
	page.Push(
		pixel.Gtag("config", cfg.TagID),
		pixel.Gtag("event", name, map[string]any{
			"send_to":        cfg.TagID,
			"event_category": "engagement",
			"event_label":    p.FormName,
			"form_id":        p.FormID,
			"form_name":      p.FormName,
			"company_name":   p.CompanyName,
		}),
	)
	return Result{Status: StatusUnobserved, Strategy: "gtag"}
}
