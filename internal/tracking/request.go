package tracking

import (
	"net"
	"net/http"
	"strings"
)

// PageInfo is what the embedded form reports about its page alongside a
// submission.
type PageInfo struct {
	PageURL   string            `json:"page_url,omitempty"`
	ParentURL string            `json:"parent_url,omitempty"`
	Referrer  string            `json:"referrer,omitempty"`
	FrameID   string            `json:"frame_id,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Cookies   map[string]string `json:"cookies,omitempty"`
}

// RequestFrame is a Frame backed by an HTTP submission.
type RequestFrame struct {
	r          *http.Request
	info       PageInfo
	broker     *FrameBroker
	trustProxy bool
}

// NewRequestFrame wraps a submission request. broker may be nil, in which
// case the parent is never asked.
func NewRequestFrame(r *http.Request, info PageInfo, broker *FrameBroker, trustProxy bool) *RequestFrame {
	return &RequestFrame{r: r, info: info, broker: broker, trustProxy: trustProxy}
}

func (f *RequestFrame) ParentURL() (string, error) {
	if f.info.ParentURL == "" {
		return "", ErrParentInaccessible
	}
	return f.info.ParentURL, nil
}

// CurrentURL is the page the form runs in; browsers send it as Referer on
// the submission itself when the form does not report it.
func (f *RequestFrame) CurrentURL() string {
	if f.info.PageURL != "" {
		return f.info.PageURL
	}
	return f.r.Referer()
}

func (f *RequestFrame) Referrer() string { return f.info.Referrer }

// Cookie prefers cookies reported by the page over the request's own.
func (f *RequestFrame) Cookie(name string) string {
	if v := f.info.Cookies[name]; v != "" {
		return v
	}
	if c, err := f.r.Cookie(name); err == nil {
		return c.Value
	}
	return ""
}

func (f *RequestFrame) UserAgent() string {
	if f.info.UserAgent != "" {
		return f.info.UserAgent
	}
	return f.r.UserAgent()
}

func (f *RequestFrame) ClientIP() string {
	return ClientIPFromRequest(f.r, f.trustProxy)
}

func (f *RequestFrame) Messenger() ParentMessenger {
	if f.broker == nil || f.info.FrameID == "" {
		return nil
	}
	return f.broker.Messenger(f.info.FrameID)
}

// ClientIPFromRequest honours proxy headers only when trustProxy is set.
func ClientIPFromRequest(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
		if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
			return strings.TrimSpace(xrip)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
