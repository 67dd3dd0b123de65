package integration

import (
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncodeRow(t *testing.T) {
	rows := []Row{
		{ID: "1", FormID: "F1", Type: "webhook", IsActive: true, WebhookURL: null("https://example.test/hook")},
		{ID: "2", FormID: "F1", Type: "meta_ads", IsActive: false, PixelID: null("123"), AccessToken: null("tok"), EventType: null("custom"), CustomEventName: null("QuizDone"), TestEventCode: null("TEST1")},
		{ID: "3", FormID: "F1", Type: "google_ads", IsActive: true, TagID: null("AW-1"), ConversionLabel: null("abc")},
		{ID: "4", FormID: "F1", Type: "analytics", IsActive: true, TagID: null("G-1"), EventName: null("form_submit")},
	}
	for _, r := range rows {
		t.Run(r.Type, func(t *testing.T) {
			c, err := Decode(r)
			require.NoError(t, err)
			assert.Equal(t, Kind(r.Type), c.Kind())
			assert.Equal(t, r.ID, c.ID())
			assert.Equal(t, r.FormID, c.FormID())
			assert.Equal(t, r.IsActive, c.Active())

			back, err := Encode(c)
			require.NoError(t, err)
			assert.Equal(t, r, back)
		})
	}

	t.Run("unknown type", func(t *testing.T) {
		_, err := Decode(Row{Type: "tiktok"})
		assert.True(t, errors.Is(err, ErrUnknownKind))
	})
}

func TestMetaEventName(t *testing.T) {
	tests := []struct {
		name string
		m    MetaAds
		want string
		cust bool
	}{
		{name: "default lead", m: MetaAds{}, want: "Lead"},
		{name: "standard event", m: MetaAds{EventType: "CompleteRegistration"}, want: "CompleteRegistration"},
		{name: "custom event", m: MetaAds{EventType: "custom", CustomEventName: "QuizDone"}, want: "QuizDone", cust: true},
		{name: "custom without name", m: MetaAds{EventType: "custom"}, want: "Lead"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.m.EventName())
			assert.Equal(t, tt.cust, tt.m.IsCustomEvent())
		})
	}
}

func TestValidate(t *testing.T) {
	valid := []Config{
		&Webhook{Base: Base{Form: "F1"}, URL: "https://example.test/hook"},
		&MetaAds{Base: Base{Form: "F1"}, PixelID: "1234567890"},
		&GoogleAds{Base: Base{Form: "F1"}, TagID: "AW-1", ConversionLabel: "x"},
		&Analytics{Base: Base{Form: "F1"}, TagID: "G-1", EventName: "lead"},
	}
	for _, c := range valid {
		assert.NoError(t, Validate(c), "%s should be valid", c.Kind())
	}

	invalid := []Config{
		&Webhook{Base: Base{Form: "F1"}, URL: "not a url"},
		&Webhook{URL: "https://example.test/hook"},
		&MetaAds{Base: Base{Form: "F1"}, PixelID: "abc"},
		&MetaAds{Base: Base{Form: "F1"}, PixelID: "1", EventType: "custom"},
		&GoogleAds{Base: Base{Form: "F1"}, TagID: "AW-1"},
		&Analytics{Base: Base{Form: "F1"}, EventName: "lead"},
	}
	for _, c := range invalid {
		assert.Error(t, Validate(c), "%T %+v should be invalid", c, c)
	}
	assert.ErrorIs(t, Validate(nil), ErrUnknownKind)
}

func TestConfigJSON(t *testing.T) {
	doc := `{"integration_type":"meta_ads","form_id":"F1","is_active":true,"pixel_id":"123","access_token":"secret"}`

	c, err := UnmarshalConfig([]byte(doc))
	require.NoError(t, err)
	meta, ok := c.(*MetaAds)
	require.True(t, ok, "want *MetaAds, got %T", c)
	assert.Equal(t, "secret", meta.AccessToken)
	assert.True(t, meta.Active())

	out, err := MarshalConfig(c)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "meta_ads", m["integration_type"])
	assert.Equal(t, "********", m["access_token"])
	assert.Equal(t, "123", m["pixel_id"])

	_, err = UnmarshalConfig([]byte(`{"integration_type":"fax"}`))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = UnmarshalConfig([]byte(`{`))
	assert.Error(t, err)
}

func TestNull(t *testing.T) {
	assert.Equal(t, sql.NullString{}, null(""))
	assert.Equal(t, sql.NullString{String: "x", Valid: true}, null("x"))
}
