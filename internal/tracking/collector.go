package tracking

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrParentInaccessible is returned by Frame.ParentURL when the parent page
// cannot be read directly (cross-origin, or the form is not framed).
var ErrParentInaccessible = errors.New("parent frame inaccessible")

// Frame is what the collector can observe about the page hosting the form.
type Frame interface {
	ParentURL() (string, error)
	CurrentURL() string
	Referrer() string
	Cookie(name string) string
	UserAgent() string
	ClientIP() string
	// Messenger returns the cross-frame channel to the parent, or nil when
	// the frame has no way to ask.
	Messenger() ParentMessenger
}

// ParentMessenger asks the parent frame for its URL. Implementations must
// return once ctx is done.
type ParentMessenger interface {
	RequestParentURL(ctx context.Context) (string, error)
}

// Collector resolves a Context from a Frame.
type Collector struct {
	timeout time.Duration
	now     func() time.Time
	log     logrus.FieldLogger
}

// NewCollector builds a collector that waits at most timeout for the parent
// frame to answer.
func NewCollector(timeout time.Duration, log logrus.FieldLogger) *Collector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Collector{timeout: timeout, now: time.Now, log: log}
}

// WithClock replaces the collector's clock.
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

// Collect never fails: every step falls back to the next source and missing
// values come back as empty strings.
func (c *Collector) Collect(ctx context.Context, f Frame) Context {
	current := f.CurrentURL()
	currentParams := queryOf(current)

	source := current
	var parentParams, referrerParams url.Values

	if parent := c.parentURL(ctx, f, current); parent != "" {
		source = parent
		parentParams = queryOf(parent)
	}

	if ref := f.Referrer(); ref != "" && ref != current && !isLocalHost(ref) {
		referrerParams = queryOf(ref)
		if parentParams == nil {
			source = ref
		}
	}

	ua := f.UserAgent()
	tc := Context{
		PageURLComplete:      source,
		PageURLWithoutParams: withoutParams(source),
		URLParams:            flatten(queryOf(source)),
		Device:               ClassifyDevice(ua),
		Browser:              ua,
		Platform:             Platform(ua),
		Timestamp:            c.now().UTC().Format("2006-01-02T15:04:05.000Z"),
		ClientIP:             f.ClientIP(),
	}

	sources := []url.Values{parentParams, referrerParams, currentParams}
	tc.UTMSource = firstOf("utm_source", sources...)
	tc.UTMMedium = firstOf("utm_medium", sources...)
	tc.UTMCampaign = firstOf("utm_campaign", sources...)
	tc.UTMContent = firstOf("utm_content", sources...)
	tc.UTMTerm = firstOf("utm_term", sources...)
	tc.GCLID = firstOf("gclid", sources...)
	tc.FBCLID = firstOf("fbclid", sources...)

	if tc.FBC = firstOf("fbc", sources...); tc.FBC == "" {
		tc.FBC = f.Cookie("_fbc")
	}
	if tc.FBP = firstOf("fbp", sources...); tc.FBP == "" {
		tc.FBP = f.Cookie("_fbp")
	}
	return tc
}

// parentURL tries a direct read first, then the messenger round trip.
// It returns "" when neither yields a URL different from the frame's own.
func (c *Collector) parentURL(ctx context.Context, f Frame, current string) string {
	parent, err := f.ParentURL()
	if err == nil && parent != "" && parent != current {
		return parent
	}
	if err != nil && !errors.Is(err, ErrParentInaccessible) {
		c.log.WithError(err).Debug("parent frame read failed")
	}

	m := f.Messenger()
	if m == nil {
		return ""
	}
	return c.askParent(ctx, m)
}

// askParent bounds the round trip by c.timeout even if the messenger
// ignores its context.
func (c *Collector) askParent(ctx context.Context, m ParentMessenger) string {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type reply struct {
		url string
		err error
	}
	done := make(chan reply, 1)
	go func() {
		u, err := m.RequestParentURL(ctx)
		done <- reply{u, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			c.log.WithError(r.err).Debug("parent url request unanswered")
			return ""
		}
		return r.url
	case <-ctx.Done():
		return ""
	}
}
