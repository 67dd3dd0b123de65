// Package meta sends server-side Lead events to the Meta Conversions API.
package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/shortontech/formrelay/internal/tracking"
)

const (
	DefaultGraphURL   = "https://graph.facebook.com"
	DefaultAPIVersion = "v18.0"

	actionSource    = "website"
	contentCategory = "lead_generation"
)

// Graph API error classes.
var (
	ErrTokenExpired     = errors.New("meta access token expired or invalid")
	ErrRateLimited      = errors.New("meta rate limit exceeded")
	ErrPermissionDenied = errors.New("meta permission denied")
)

// GraphError is the error object returned by the Graph API.
type GraphError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	ErrorSubcode int    `json:"error_subcode"`
	FBTraceID    string `json:"fbtrace_id"`
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph api error (code %d): %s", e.Code, e.Message)
}

// Unwrap maps well-known codes onto the sentinel errors.
func (e *GraphError) Unwrap() error {
	switch e.Code {
	case 190:
		return ErrTokenExpired
	case 4, 17, 32, 613:
		return ErrRateLimited
	case 10, 200, 299:
		return ErrPermissionDenied
	}
	return nil
}

// Target identifies the pixel an event is sent to.
type Target struct {
	PixelID       string
	AccessToken   string
	TestEventCode string
}

// FormData describes the form that produced the lead.
type FormData struct {
	FormID      string
	FormName    string
	CompanyName string
}

type Options struct {
	GraphURL   string
	APIVersion string
	HTTPClient *http.Client
	Hasher     Hasher
	IPResolver IPResolver // optional; used only when the request IP is unknown
	Value      decimal.Decimal
	Currency   string
	Log        logrus.FieldLogger
	Now        func() time.Time
}

type Client struct {
	graphURL   string
	apiVersion string
	http       *http.Client
	hasher     Hasher
	ip         IPResolver
	value      decimal.Decimal
	currency   string
	log        logrus.FieldLogger
	now        func() time.Time
}

func NewClient(opts Options) *Client {
	c := &Client{
		graphURL:   strings.TrimRight(opts.GraphURL, "/"),
		apiVersion: opts.APIVersion,
		http:       opts.HTTPClient,
		hasher:     opts.Hasher,
		ip:         opts.IPResolver,
		value:      opts.Value,
		currency:   opts.Currency,
		log:        opts.Log,
		now:        opts.Now,
	}
	if c.graphURL == "" {
		c.graphURL = DefaultGraphURL
	}
	if c.apiVersion == "" {
		c.apiVersion = DefaultAPIVersion
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 10 * time.Second}
	}
	if c.hasher == nil {
		c.hasher = SHA256Hasher{}
	}
	if c.currency == "" {
		c.currency = "BRL"
	}
	if c.value.IsZero() {
		c.value = decimal.NewFromInt(1)
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

type userDataBody struct {
	HashedUserData
	ClientIPAddress string `json:"client_ip_address,omitempty"`
	ClientUserAgent string `json:"client_user_agent,omitempty"`
	FBC             string `json:"fbc,omitempty"`
	FBP             string `json:"fbp,omitempty"`
}

type customDataBody struct {
	ContentName     string  `json:"content_name"`
	ContentCategory string  `json:"content_category"`
	Value           float64 `json:"value"`
	Currency        string  `json:"currency"`
	FBCLID          string  `json:"fbclid,omitempty"`
}

type eventBody struct {
	EventName      string         `json:"event_name"`
	EventTime      int64          `json:"event_time"`
	ActionSource   string         `json:"action_source"`
	UserData       userDataBody   `json:"user_data"`
	CustomData     customDataBody `json:"custom_data"`
	EventSourceURL string         `json:"event_source_url,omitempty"`
	EventID        string         `json:"event_id"`
}

type requestBody struct {
	Data          []eventBody `json:"data"`
	TestEventCode string      `json:"test_event_code,omitempty"`
}

// SendEvent posts one event and reports whether the Graph API accepted it.
// It never returns an error; failures are logged.
func (c *Client) SendEvent(ctx context.Context, t Target, u UserData, tc tracking.Context, f FormData, eventName, eventID string) bool {
	log := c.log.WithFields(logrus.Fields{
		"pixel_id": t.PixelID,
		"event":    eventName,
		"event_id": eventID,
	})
	if t.PixelID == "" || t.AccessToken == "" {
		log.Warn("meta: missing pixel id or access token")
		return false
	}

	body := c.buildBody(ctx, t, u, tc, f, eventName, eventID)
	payload, err := json.Marshal(body)
	if err != nil {
		log.WithError(err).Error("meta: marshal event")
		return false
	}

	endpoint := fmt.Sprintf("%s/%s/%s/events?access_token=%s",
		c.graphURL, c.apiVersion, url.PathEscape(t.PixelID), url.QueryEscape(t.AccessToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		log.WithError(err).Error("meta: build request")
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		log.WithError(err).Error("meta: request failed")
		return false
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.WithField("status", resp.StatusCode).Info("meta: event accepted")
		return true
	}

	var envelope struct {
		Error *GraphError `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Error == nil {
		log.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(raw)}).
			Error("meta: graph api error (unparseable)")
		return false
	}
	gerr := envelope.Error
	log.WithError(gerr).WithFields(logrus.Fields{
		"status":        resp.StatusCode,
		"error_code":    gerr.Code,
		"error_subcode": gerr.ErrorSubcode,
		"fbtrace_id":    gerr.FBTraceID,
		"token_expired": errors.Is(gerr, ErrTokenExpired),
		"rate_limited":  errors.Is(gerr, ErrRateLimited),
	}).Error("meta: graph api rejected event")
	return false
}

func (c *Client) buildBody(ctx context.Context, t Target, u UserData, tc tracking.Context, f FormData, eventName, eventID string) requestBody {
	now := c.now()

	ip := tc.ClientIP
	if ip == "" && c.ip != nil {
		ip = c.ip.PublicIP(ctx)
	}

	fbc := tc.FBC
	if fbc == "" && tc.FBCLID != "" {
		fbc = DeriveFBC(tc.FBCLID, now)
	}

	return requestBody{
		Data: []eventBody{{
			EventName:    eventName,
			EventTime:    now.Unix(),
			ActionSource: actionSource,
			UserData: userDataBody{
				HashedUserData:  HashUserData(c.hasher, c.log, u),
				ClientIPAddress: ip,
				ClientUserAgent: tc.Browser,
				FBC:             fbc,
				FBP:             tc.FBP,
			},
			CustomData: customDataBody{
				ContentName:     f.FormName,
				ContentCategory: contentCategory,
				Value:           c.value.InexactFloat64(),
				Currency:        c.currency,
				FBCLID:          tc.FBCLID,
			},
			EventSourceURL: tc.PageURLComplete,
			EventID:        eventID,
		}},
		TestEventCode: t.TestEventCode,
	}
}

// DeriveFBC builds the fbc cookie value Meta would have set for fbclid.
func DeriveFBC(fbclid string, at time.Time) string {
	return fmt.Sprintf("fb.1.%d.%s", at.UnixMilli(), fbclid)
}
