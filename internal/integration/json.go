package integration

import (
	"encoding/json"
	"fmt"
)

// UnmarshalConfig decodes an admin API document into its variant using the
// integration_type discriminator.
func UnmarshalConfig(data []byte) (Config, error) {
	var head struct {
		Type Kind `json:"integration_type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode integration: %w", err)
	}

	var c Config
	switch head.Type {
	case KindWebhook:
		c = &Webhook{}
	case KindMetaAds:
		c = &MetaAds{}
	case KindGoogleAds:
		c = &GoogleAds{}
	case KindAnalytics:
		c = &Analytics{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, head.Type)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode %s integration: %w", head.Type, err)
	}
	return c, nil
}

// MarshalConfig encodes a variant with its integration_type. Access tokens
// are masked.
func MarshalConfig(c Config) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	doc["integration_type"] = c.Kind()
	if tok, ok := doc["access_token"].(string); ok && tok != "" {
		doc["access_token"] = "********"
	}
	return json.Marshal(doc)
}
