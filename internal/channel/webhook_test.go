package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortontech/formrelay/internal/integration"
	"github.com/shortontech/formrelay/internal/logging"
	"github.com/shortontech/formrelay/internal/signing"
	"github.com/shortontech/formrelay/internal/tracking"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testPayload() *integration.Payload {
	return &integration.Payload{
		FormFields:  map[string]any{"email": "a@b.com", "telefone": "5511999998888"},
		CompanyName: "Acme",
		FormName:    "Contato",
		FormID:      "F1",
		Context: tracking.Context{
			PageURLComplete: "https://site.test/lp?utm_source=google",
			UTMSource:       "google",
			ClientIP:        "203.0.113.9",
		},
	}
}

func newTestWebhook(secret string) *Webhook {
	return NewWebhook(WebhookOptions{
		Client:        &http.Client{Timeout: 2 * time.Second},
		SigningSecret: secret,
		FormTimeout:   2 * time.Second,
		Log:           logging.Discard(),
		Now:           func() time.Time { return fixedNow },
	})
}

func activeWebhook(u string) *integration.Webhook {
	return &integration.Webhook{Base: integration.Base{IntegrationID: "w1", Form: "F1", IsActive: true}, URL: u}
}

func TestWebhookSend(t *testing.T) {
	t.Run("json strategy delivers and signs", func(t *testing.T) {
		var (
			body map[string]any
			sig  string
			raw  []byte
		)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, _ = io.ReadAll(r.Body)
			sig = r.Header.Get(signing.Header)
			_ = json.Unmarshal(raw, &body)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		res := newTestWebhook("s3cret").Send(context.Background(), activeWebhook(srv.URL), testPayload())

		assert.Equal(t, StatusDelivered, res.Status)
		assert.Equal(t, "json", res.Strategy)
		assert.NoError(t, res.Err)
		assert.True(t, signing.Verify([]byte("s3cret"), raw, sig))

		assert.Equal(t, "formrelay", body["source"])
		assert.Equal(t, "2024-05-01T12:00:00.000Z", body["timestamp"])
		assert.Equal(t, "google", body["utm_source"])
		assert.Equal(t, "F1", body["form_id"])
		fields, ok := body["form_fields"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "a@b.com", fields["email"])
		_, leaked := body["client_ip"]
		assert.False(t, leaked, "client ip must not reach webhooks")
	})

	t.Run("non-2xx falls through to blind", func(t *testing.T) {
		var mu sync.Mutex
		calls := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			calls++
			mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		res := newTestWebhook("").Send(context.Background(), activeWebhook(srv.URL), testPayload())

		assert.Equal(t, StatusUnobserved, res.Status)
		assert.Equal(t, "blind", res.Strategy)
		mu.Lock()
		assert.Equal(t, 2, calls)
		mu.Unlock()
	})

	t.Run("transport failures fall through to form", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		endpoint := srv.URL
		srv.Close()

		wh := newTestWebhook("")
		res := wh.Send(context.Background(), activeWebhook(endpoint), testPayload())
		wh.Wait()

		assert.Equal(t, StatusUnobserved, res.Status)
		assert.Equal(t, "form", res.Strategy)
	})

	t.Run("every strategy failing is a failure", func(t *testing.T) {
		boom := errors.New("boom")
		wh := newTestWebhook("").WithStrategies(stubStrategy{name: "a", err: boom}, stubStrategy{name: "b", err: boom})

		res := wh.Send(context.Background(), activeWebhook("https://hook.test"), testPayload())

		assert.Equal(t, StatusFailed, res.Status)
		assert.ErrorIs(t, res.Err, boom)
	})

	t.Run("inactive or empty url is skipped", func(t *testing.T) {
		wh := newTestWebhook("").WithStrategies(stubStrategy{name: "never", err: errors.New("should not run")})

		inactive := activeWebhook("https://hook.test")
		inactive.IsActive = false
		assert.Equal(t, StatusSkipped, wh.Send(context.Background(), inactive, testPayload()).Status)
		assert.Equal(t, StatusSkipped, wh.Send(context.Background(), activeWebhook(""), testPayload()).Status)
	})
}

type stubStrategy struct {
	name string
	err  error
}

func (s stubStrategy) Name() string     { return s.name }
func (s stubStrategy) Observable() bool { return true }
func (s stubStrategy) Post(context.Context, string, map[string]any) error {
	return s.err
}

func TestFormStrategy(t *testing.T) {
	got := make(chan url.Values, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/x-www-form-urlencoded" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		_ = r.ParseForm()
		got <- r.PostForm
	}))
	defer srv.Close()

	s := &FormStrategy{Client: srv.Client(), Timeout: 2 * time.Second, Log: logging.Discard()}
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Post(ctx, srv.URL, map[string]any{
		"source":      "formrelay",
		"form_fields": map[string]any{"email": "a@b.com"},
	}))
	cancel() // the send is detached from the caller
	s.Wait()

	select {
	case form := <-got:
		assert.Equal(t, "formrelay", form.Get("source"))
		assert.JSONEq(t, `{"email":"a@b.com"}`, form.Get("form_fields"))
	case <-time.After(2 * time.Second):
		t.Fatal("form post never arrived")
	}
}

func TestEncodeForm(t *testing.T) {
	form, err := EncodeForm(map[string]any{
		"s":   "text",
		"n":   float64(3),
		"b":   true,
		"nil": nil,
		"arr": []any{"x"},
	})
	require.NoError(t, err)
	assert.Equal(t, "text", form.Get("s"))
	assert.Equal(t, "3", form.Get("n"))
	assert.Equal(t, "true", form.Get("b"))
	assert.Equal(t, "", form.Get("nil"))
	assert.Equal(t, `["x"]`, form.Get("arr"))
}
