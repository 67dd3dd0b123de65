// Package dispatch fans one form submission out to every integration
// configured for its form.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shortontech/formrelay/internal/channel"
	"github.com/shortontech/formrelay/internal/fields"
	"github.com/shortontech/formrelay/internal/integration"
	"github.com/shortontech/formrelay/internal/metrics"
	"github.com/shortontech/formrelay/internal/pixel"
	"github.com/shortontech/formrelay/internal/sink"
	"github.com/shortontech/formrelay/internal/store"
	"github.com/shortontech/formrelay/internal/tracking"
)

// ConfigSource supplies per-form configuration.
type ConfigSource interface {
	ActiveIntegrations(ctx context.Context, formID string) ([]integration.Config, error)
	FieldMappings(ctx context.Context, formID string) (map[string]string, error)
	FormMetadata(ctx context.Context, formID string) (integration.Form, error)
}

type WebhookSender interface {
	Send(ctx context.Context, cfg *integration.Webhook, p *integration.Payload) channel.Result
}

type MetaAdsSender interface {
	Send(ctx context.Context, cfg *integration.MetaAds, p *integration.Payload, page *pixel.Page) channel.Result
}

type GoogleAdsSender interface {
	Send(ctx context.Context, cfg *integration.GoogleAds, p *integration.Payload, page *pixel.Page) channel.Result
}

type AnalyticsSender interface {
	Send(ctx context.Context, cfg *integration.Analytics, p *integration.Payload, page *pixel.Page) channel.Result
}

// Channels holds one handler per integration kind. A nil handler skips its
// kind.
type Channels struct {
	Webhook   WebhookSender
	MetaAds   MetaAdsSender
	GoogleAds GoogleAdsSender
	Analytics AnalyticsSender
}

// Submission is one form submit.
type Submission struct {
	FormID string
	Fields map[string]any
	Frame  tracking.Frame
}

// Outcome is the per-channel result reported back to the caller.
type Outcome struct {
	IntegrationID string `json:"integration_id"`
	Kind          string `json:"kind"`
	Status        string `json:"status"`
	Strategy      string `json:"strategy,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Error         string `json:"error,omitempty"`
	LatencyMS     int64  `json:"latency_ms"`
}

type Report struct {
	SessionID string
	Duplicate bool
	Outcomes  []Outcome
	Commands  []pixel.Command
	Script    string
}

// Submission outcomes for metrics.
const (
	OutcomeDispatched     = "dispatched"
	OutcomeDuplicate      = "duplicate"
	OutcomeNoIntegrations = "no_integrations"
	OutcomeConfigError    = "config_error"
)

type Options struct {
	Source         ConfigSource
	Sessions       SessionStore
	Collector      *tracking.Collector
	Channels       Channels
	Emit           func(sink.Delivery)
	Metrics        *metrics.Metrics
	Log            logrus.FieldLogger
	Now            func() time.Time
	ChannelTimeout time.Duration
}

type Dispatcher struct {
	opts Options
}

func New(opts Options) *Dispatcher {
	if opts.Sessions == nil {
		opts.Sessions = NewMemoryStore(10 * time.Minute)
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Collector == nil {
		opts.Collector = tracking.NewCollector(time.Second, opts.Log)
	}
	if opts.Emit == nil {
		opts.Emit = func(sink.Delivery) {}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ChannelTimeout <= 0 {
		opts.ChannelTimeout = 15 * time.Second
	}
	return &Dispatcher{opts: opts}
}

// SessionID is formID:identifier:epochMillis.
func SessionID(formID string, raw map[string]any, at time.Time) string {
	return fmt.Sprintf("%s:%s:%d", formID, fields.PrimaryIdentifier(raw), at.UnixMilli())
}

// Process never fails. Configuration problems are logged and end the
// dispatch early; channel failures end up in the report.
func (d *Dispatcher) Process(ctx context.Context, sub Submission) Report {
	log := d.opts.Log.WithField("form_id", sub.FormID)
	sid := SessionID(sub.FormID, sub.Fields, d.opts.Now())
	report := Report{SessionID: sid}
	log = log.WithField("session_id", sid)

	isNew, err := d.opts.Sessions.MarkIfNew(ctx, sid)
	if err != nil {
		log.WithError(err).Warn("session store unavailable, dispatching without dedup")
		isNew = true
	}
	if !isNew {
		log.Info("duplicate submission ignored")
		d.opts.Metrics.IncrementSubmissions(OutcomeDuplicate)
		report.Duplicate = true
		return report
	}

	configs, err := d.opts.Source.ActiveIntegrations(ctx, sub.FormID)
	if err != nil {
		log.WithError(err).Error("loading integrations failed")
		d.opts.Metrics.IncrementSubmissions(OutcomeConfigError)
		return report
	}
	if len(configs) == 0 {
		log.Debug("no active integrations")
		d.opts.Metrics.IncrementSubmissions(OutcomeNoIntegrations)
		return report
	}

	payload := d.buildPayload(ctx, log, sub)
	page := pixel.NewPage()
	report.Outcomes = d.fanOut(ctx, log, sid, configs, payload, page)
	report.Commands = page.Commands()
	report.Script = page.Script()
	d.opts.Metrics.IncrementSubmissions(OutcomeDispatched)
	return report
}

func (d *Dispatcher) buildPayload(ctx context.Context, log logrus.FieldLogger, sub Submission) *integration.Payload {
	var tc tracking.Context
	if sub.Frame != nil {
		tc = d.opts.Collector.Collect(ctx, sub.Frame)
	}

	mapping, err := d.opts.Source.FieldMappings(ctx, sub.FormID)
	if err != nil {
		log.WithError(err).Warn("field mappings unavailable, using raw field ids")
	}

	form, err := d.opts.Source.FormMetadata(ctx, sub.FormID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.WithError(err).Warn("form metadata unavailable")
	}

	return &integration.Payload{
		FormFields:  fields.Enrich(fields.Remap(sub.Fields, mapping)),
		CompanyName: form.CompanyName,
		FormName:    form.Name,
		FormID:      sub.FormID,
		Context:     tc,
	}
}

// fanOut runs every channel in its own goroutine and waits for all of them.
// Channels run detached from the caller's cancellation, each bounded by
// ChannelTimeout.
func (d *Dispatcher) fanOut(ctx context.Context, log logrus.FieldLogger, sid string, configs []integration.Config, p *integration.Payload, page *pixel.Page) []Outcome {
	base := context.WithoutCancel(ctx)
	outcomes := make([]Outcome, len(configs))

	var wg sync.WaitGroup
	for i, cfg := range configs {
		wg.Add(1)
		go func(i int, cfg integration.Config) {
			defer wg.Done()
			chCtx, cancel := context.WithTimeout(base, d.opts.ChannelTimeout)
			defer cancel()

			start := time.Now()
			res := d.safeRoute(chCtx, log, cfg, p, page)
			latency := time.Since(start)

			outcomes[i] = d.record(log, sid, cfg, res, latency)
		}(i, cfg)
	}
	wg.Wait()
	return outcomes
}

func (d *Dispatcher) safeRoute(ctx context.Context, log logrus.FieldLogger, cfg integration.Config, p *integration.Payload, page *pixel.Page) (res channel.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"integration_id": cfg.ID(),
				"panic":          r,
				"stack":          string(debug.Stack()),
			}).Error("channel panicked")
			res = channel.Failed(fmt.Errorf("channel panic: %v", r))
		}
	}()
	return d.route(ctx, cfg, p, page)
}

func (d *Dispatcher) route(ctx context.Context, cfg integration.Config, p *integration.Payload, page *pixel.Page) channel.Result {
	ch := d.opts.Channels
	switch c := cfg.(type) {
	case *integration.Webhook:
		if ch.Webhook != nil {
			return ch.Webhook.Send(ctx, c, p)
		}
	case *integration.MetaAds:
		if ch.MetaAds != nil {
			return ch.MetaAds.Send(ctx, c, p, page)
		}
	case *integration.GoogleAds:
		if ch.GoogleAds != nil {
			return ch.GoogleAds.Send(ctx, c, p, page)
		}
	case *integration.Analytics:
		if ch.Analytics != nil {
			return ch.Analytics.Send(ctx, c, p, page)
		}
	default:
		return channel.Failed(fmt.Errorf("%w: %T", integration.ErrUnknownKind, cfg))
	}
	return channel.Skipped("no handler for " + string(cfg.Kind()))
}

func (d *Dispatcher) record(log logrus.FieldLogger, sid string, cfg integration.Config, res channel.Result, latency time.Duration) Outcome {
	out := Outcome{
		IntegrationID: cfg.ID(),
		Kind:          string(cfg.Kind()),
		Status:        res.Status,
		Strategy:      res.Strategy,
		Reason:        res.Reason,
		LatencyMS:     latency.Milliseconds(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}

	entry := log.WithFields(logrus.Fields{
		"integration_id": out.IntegrationID,
		"kind":           out.Kind,
		"status":         out.Status,
		"latency_ms":     out.LatencyMS,
	})
	if res.Err != nil {
		entry.WithError(res.Err).Warn("channel finished with error")
	} else {
		entry.Debug("channel finished")
	}

	dl := sink.NewDelivery(d.opts.Now())
	dl.SessionID = sid
	dl.FormID = cfg.FormID()
	dl.IntegrationID = out.IntegrationID
	dl.Kind = out.Kind
	dl.Status = out.Status
	dl.Strategy = out.Strategy
	dl.Reason = out.Reason
	dl.Error = out.Error
	dl.LatencyMS = out.LatencyMS
	d.opts.Emit(dl)

	d.opts.Metrics.ObserveDelivery(out.Kind, out.Status, latency)
	return out
}
