package tracking

// Device classes reported in Context.Device.
const (
	DeviceMobile  = "Mobile"
	DeviceDesktop = "Desktop"
)

// Context is the visitor's tracking context, resolved once per submission.
// Optional fields are empty strings rather than omitted so integrations
// always see the same keys.
type Context struct {
	PageURLComplete      string            `json:"page_url_complete"`
	PageURLWithoutParams string            `json:"page_url_without_params"`
	URLParams            map[string]string `json:"url_params"`

	// --- UTM ---
	UTMSource   string `json:"utm_source"`
	UTMMedium   string `json:"utm_medium"`
	UTMCampaign string `json:"utm_campaign"`
	UTMContent  string `json:"utm_content"`
	UTMTerm     string `json:"utm_term"`

	// --- ad click ids ---
	GCLID  string `json:"gclid"`
	FBCLID string `json:"fbclid"`
	FBC    string `json:"fbc"`
	FBP    string `json:"fbp"`

	Device    string `json:"device"`
	Browser   string `json:"browser"` // raw user agent
	Platform  string `json:"platform,omitempty"`
	Timestamp string `json:"timestamp"` // ISO8601, millisecond precision

	// ClientIP is a Meta matching signal only; it never leaves through webhooks.
	ClientIP string `json:"-"`
}
