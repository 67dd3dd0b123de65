package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shortontech/formrelay/internal/integration"
)

type WebhookOptions struct {
	Client        *http.Client
	SourceTag     string
	SigningSecret string
	FormTimeout   time.Duration // bound for background form posts
	Log           logrus.FieldLogger
	Now           func() time.Time
}

// Webhook tries each strategy in order until one accepts the body.
type Webhook struct {
	strategies []Strategy
	form       *FormStrategy
	source     string
	log        logrus.FieldLogger
	now        func() time.Time
}

func NewWebhook(opts WebhookOptions) *Webhook {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.SourceTag == "" {
		opts.SourceTag = "formrelay"
	}
	if opts.FormTimeout <= 0 {
		opts.FormTimeout = 10 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	secret := []byte(opts.SigningSecret)
	form := &FormStrategy{Client: opts.Client, Timeout: opts.FormTimeout, Log: opts.Log}
	return &Webhook{
		strategies: []Strategy{
			JSONStrategy{Client: opts.Client, Secret: secret},
			BlindStrategy{Client: opts.Client, Secret: secret},
			form,
		},
		form:   form,
		source: opts.SourceTag,
		log:    opts.Log,
		now:    opts.Now,
	}
}

// WithStrategies replaces the strategy chain.
func (w *Webhook) WithStrategies(s ...Strategy) *Webhook {
	w.strategies = s
	return w
}

// Wait blocks until background form posts finish.
func (w *Webhook) Wait() { w.form.Wait() }

func (w *Webhook) Send(ctx context.Context, cfg *integration.Webhook, p *integration.Payload) Result {
	if !cfg.Active() || cfg.URL == "" {
		return Skipped("inactive or no url")
	}

	body, err := WebhookBody(p, w.source, w.now())
	if err != nil {
		return Failed(err)
	}

	log := w.log.WithFields(logrus.Fields{"integration_id": cfg.ID(), "form_id": cfg.FormID()})
	var errs []error
	for _, s := range w.strategies {
		err := s.Post(ctx, cfg.URL, body)
		if err == nil {
			status := StatusDelivered
			if !s.Observable() {
				status = StatusUnobserved
			}
			log.WithFields(logrus.Fields{"strategy": s.Name(), "status": status}).Info("webhook sent")
			return Result{Status: status, Strategy: s.Name()}
		}
		log.WithError(err).WithField("strategy", s.Name()).Warn("webhook strategy failed")
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return Failed(errors.Join(errs...))
}

// WebhookBody is the payload as a JSON object plus the dispatch timestamp
// and source tag.
func WebhookBody(p *integration.Payload, source string, at time.Time) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	body := make(map[string]any)
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	body["timestamp"] = at.UTC().Format("2006-01-02T15:04:05.000Z")
	body["source"] = source
	return body, nil
}
