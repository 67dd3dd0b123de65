package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shortontech/formrelay/internal/signing"
)

// Strategy is one way of getting a webhook body to its endpoint.
type Strategy interface {
	Name() string
	// Observable is false when a nil error from Post does not prove delivery.
	Observable() bool
	Post(ctx context.Context, endpoint string, body map[string]any) error
}

// StatusError is a non-2xx webhook response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook responded %d", e.StatusCode)
}

func newJSONRequest(ctx context.Context, endpoint string, body map[string]any, secret []byte) (*http.Request, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if sig := signing.Sign(secret, raw); sig != "" {
		req.Header.Set(signing.Header, sig)
	}
	return req, nil
}

// JSONStrategy posts JSON and requires a 2xx response.
type JSONStrategy struct {
	Client *http.Client
	Secret []byte
}

func (JSONStrategy) Name() string     { return "json" }
func (JSONStrategy) Observable() bool { return true }

func (s JSONStrategy) Post(ctx context.Context, endpoint string, body map[string]any) error {
	req, err := newJSONRequest(ctx, endpoint, body, s.Secret)
	if err != nil {
		return err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// BlindStrategy posts JSON and ignores the response. Only transport errors
// are reported.
type BlindStrategy struct {
	Client *http.Client
	Secret []byte
}

func (BlindStrategy) Name() string     { return "blind" }
func (BlindStrategy) Observable() bool { return false }

func (s BlindStrategy) Post(ctx context.Context, endpoint string, body map[string]any) error {
	req, err := newJSONRequest(ctx, endpoint, body, s.Secret)
	if err != nil {
		return err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.Body.Close()
}

// FormStrategy submits the body as application/x-www-form-urlencoded in the
// background. Post returns as soon as the send is started.
type FormStrategy struct {
	Client  *http.Client
	Timeout time.Duration
	Log     logrus.FieldLogger

	wg sync.WaitGroup
}

func (*FormStrategy) Name() string     { return "form" }
func (*FormStrategy) Observable() bool { return false }

func (s *FormStrategy) Post(ctx context.Context, endpoint string, body map[string]any) error {
	form, err := EncodeForm(body)
	if err != nil {
		return err
	}

	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, s.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			s.Log.WithError(err).Debug("webhook: form request")
			return
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := s.Client.Do(req)
		if err != nil {
			s.Log.WithError(err).Debug("webhook: form post failed")
			return
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
	}()
	return nil
}

// Wait blocks until background sends finish.
func (s *FormStrategy) Wait() { s.wg.Wait() }

// EncodeForm writes one field per top-level key. Strings pass through, other
// values are JSON-encoded.
func EncodeForm(body map[string]any) (url.Values, error) {
	form := make(url.Values, len(body))
	for k, v := range body {
		switch t := v.(type) {
		case nil:
			form.Set(k, "")
		case string:
			form.Set(k, t)
		default:
			raw, err := json.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("encode form field %s: %w", k, err)
			}
			form.Set(k, string(raw))
		}
	}
	return form, nil
}
