package integration

import "github.com/shortontech/formrelay/internal/tracking"

// Payload is the normalized event built once per submission and shared by
// every channel. The tracking context is inlined at the top level.
type Payload struct {
	FormFields  map[string]any `json:"form_fields"`
	CompanyName string         `json:"company_name"`
	FormName    string         `json:"form_name"`
	FormID      string         `json:"form_id"`
	tracking.Context
}

// Form is the metadata of a form that integrations report.
type Form struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CompanyName string `json:"company_name"`
}
