package dispatch

import (
	"context"
	"sync"

	"github.com/shortontech/formrelay/internal/channel"
	"github.com/shortontech/formrelay/internal/integration"
	"github.com/shortontech/formrelay/internal/pixel"
	"github.com/shortontech/formrelay/internal/store"
)

type fakeSource struct {
	configs  map[string][]integration.Config
	mappings map[string]map[string]string
	forms    map[string]integration.Form
	err      error
}

func (f *fakeSource) ActiveIntegrations(_ context.Context, formID string) ([]integration.Config, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.configs[formID], nil
}

func (f *fakeSource) FieldMappings(_ context.Context, formID string) (map[string]string, error) {
	return f.mappings[formID], nil
}

func (f *fakeSource) FormMetadata(_ context.Context, formID string) (integration.Form, error) {
	form, ok := f.forms[formID]
	if !ok {
		return integration.Form{}, store.ErrNotFound
	}
	return form, nil
}

// countingWebhook records every call and answers with result.
type countingWebhook struct {
	mu       sync.Mutex
	calls    int
	payloads []*integration.Payload
	result   channel.Result
	panicMsg string
}

func (c *countingWebhook) Send(_ context.Context, _ *integration.Webhook, p *integration.Payload) channel.Result {
	c.mu.Lock()
	c.calls++
	c.payloads = append(c.payloads, p)
	c.mu.Unlock()
	if c.panicMsg != "" {
		panic(c.panicMsg)
	}
	return c.result
}

func (c *countingWebhook) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type pushingAnalytics struct{}

func (pushingAnalytics) Send(_ context.Context, cfg *integration.Analytics, _ *integration.Payload, page *pixel.Page) channel.Result {
	page.Push(pixel.Gtag("event", cfg.EventName))
	return channel.Result{Status: channel.StatusUnobserved, Strategy: "gtag"}
}

type failingSessions struct{}

func (failingSessions) MarkIfNew(context.Context, string) (bool, error) {
	return false, context.DeadlineExceeded
}
