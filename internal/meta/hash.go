package meta

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/shortontech/formrelay/internal/fields"
)

// Hasher hashes a normalized PII value for Meta matching.
type Hasher interface {
	Hash(normalized string) (string, error)
}

// SHA256Hasher is the hasher Meta expects: lowercase hex SHA-256.
type SHA256Hasher struct{}

func (SHA256Hasher) Hash(normalized string) (string, error) {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:]), nil
}

// NormalizeText trims and lowercases emails, names and country codes.
func NormalizeText(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// NormalizePhone keeps digits only.
func NormalizePhone(v string) string {
	return fields.Digits(v)
}

// hashValue hashes an already normalized value. Empty stays empty. When the
// hasher fails the normalized value is sent unhashed and a warning logged.
func hashValue(h Hasher, log logrus.FieldLogger, field, normalized string) string {
	if normalized == "" {
		return ""
	}
	hashed, err := h.Hash(normalized)
	if err != nil {
		log.WithError(err).WithField("field", field).
			Warn("meta: hashing unavailable, sending normalized value unhashed")
		return normalized
	}
	return hashed
}

// HashedUserData is the advanced-matching set shared by the Conversions API
// and the browser pixel.
type HashedUserData struct {
	Email     string `json:"em,omitempty"`
	Phone     string `json:"ph,omitempty"`
	FirstName string `json:"fn,omitempty"`
	LastName  string `json:"ln,omitempty"`
	Country   string `json:"country,omitempty"`
}

// HashUserData normalizes and hashes every PII field of u.
func HashUserData(h Hasher, log logrus.FieldLogger, u UserData) HashedUserData {
	first, last := u.Names()
	return HashedUserData{
		Email:     hashValue(h, log, "em", NormalizeText(u.Email)),
		Phone:     hashValue(h, log, "ph", NormalizePhone(u.Phone)),
		FirstName: hashValue(h, log, "fn", NormalizeText(first)),
		LastName:  hashValue(h, log, "ln", NormalizeText(last)),
		Country:   hashValue(h, log, "country", NormalizeText(u.Country)),
	}
}
