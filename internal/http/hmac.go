package httpx

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/shortontech/formrelay/internal/signing"
)

// HMACAuth checks the X-Formrelay-Signature header of submission bodies.
type HMACAuth struct {
	secret []byte
	log    logrus.FieldLogger
}

// NewHMACAuth returns nil when secret is empty, which disables verification.
func NewHMACAuth(secret string, log logrus.FieldLogger) *HMACAuth {
	if secret == "" {
		return nil
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HMACAuth{secret: []byte(secret), log: log}
}

// VerifyHMAC validates the signature for a request body. A nil receiver
// accepts everything.
func (h *HMACAuth) VerifyHMAC(r *http.Request, body []byte) bool {
	if h == nil {
		return true
	}
	provided := r.Header.Get(signing.Header)
	if provided == "" {
		h.log.WithField("path", r.URL.Path).Warn("missing submission signature")
		return false
	}
	if !signing.Verify(h.secret, body, provided) {
		h.log.WithFields(logrus.Fields{
			"path":      r.URL.Path,
			"remote_ip": r.RemoteAddr,
		}).Warn("submission signature mismatch")
		return false
	}
	return true
}
