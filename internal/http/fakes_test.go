package httpx

import (
	"context"
	"sync"

	"github.com/shortontech/formrelay/internal/dispatch"
	"github.com/shortontech/formrelay/internal/integration"
	"github.com/shortontech/formrelay/internal/store"
)

type fakeSubmitter struct {
	mu     sync.Mutex
	subs   []dispatch.Submission
	report dispatch.Report
}

func (f *fakeSubmitter) Process(_ context.Context, sub dispatch.Submission) dispatch.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
	return f.report
}

type fakeStore struct {
	pingErr      error
	integrations map[string][]integration.Config
	mappings     map[string]map[string]string
	forms        map[string]integration.Form
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		integrations: map[string][]integration.Config{},
		mappings:     map[string]map[string]string{},
		forms:        map[string]integration.Form{},
	}
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) ListIntegrations(_ context.Context, formID string) ([]integration.Config, error) {
	return f.integrations[formID], nil
}

func (f *fakeStore) CreateIntegration(_ context.Context, c integration.Config) (integration.Config, error) {
	if w, ok := c.(*integration.Webhook); ok && w.IntegrationID == "" {
		w.IntegrationID = "generated"
	}
	if m, ok := c.(*integration.MetaAds); ok && m.IntegrationID == "" {
		m.IntegrationID = "generated"
	}
	f.integrations[c.FormID()] = append(f.integrations[c.FormID()], c)
	return c, nil
}

func (f *fakeStore) DeleteIntegration(_ context.Context, formID, id string) error {
	list := f.integrations[formID]
	for i, c := range list {
		if c.ID() == id {
			f.integrations[formID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) SetFieldMappings(_ context.Context, formID string, m map[string]string) error {
	f.mappings[formID] = m
	return nil
}

func (f *fakeStore) SaveForm(_ context.Context, form integration.Form) error {
	f.forms[form.ID] = form
	return nil
}
