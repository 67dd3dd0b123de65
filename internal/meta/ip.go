package meta

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// IPResolver looks up the public IP address to report when the request
// carried none. Implementations return "" on failure.
type IPResolver interface {
	PublicIP(ctx context.Context) string
}

// HTTPIPResolver queries an ipify-style endpoint returning {"ip": "..."}.
type HTTPIPResolver struct {
	URL    string
	Client *http.Client
	Log    logrus.FieldLogger
}

func NewHTTPIPResolver(endpoint string, log logrus.FieldLogger) *HTTPIPResolver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HTTPIPResolver{
		URL:    endpoint,
		Client: &http.Client{Timeout: 2 * time.Second},
		Log:    log,
	}
}

func (r *HTTPIPResolver) PublicIP(ctx context.Context) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		r.Log.WithError(err).Debug("meta: ip lookup request")
		return ""
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		r.Log.WithError(err).Debug("meta: ip lookup failed")
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var out struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&out); err != nil {
		return ""
	}
	return strings.TrimSpace(out.IP)
}
