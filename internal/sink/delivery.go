package sink

import (
	"time"

	"github.com/google/uuid"
)

// Delivery records the outcome of one integration for one submission.
type Delivery struct {
	DeliveryID    string `json:"delivery_id"`
	TS            string `json:"ts"`
	SessionID     string `json:"session_id"`
	FormID        string `json:"form_id"`
	IntegrationID string `json:"integration_id"`
	Kind          string `json:"kind"`
	Status        string `json:"status"`
	Strategy      string `json:"strategy,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Error         string `json:"error,omitempty"`
	LatencyMS     int64  `json:"latency_ms"`
}

// NewDelivery stamps a fresh id and timestamp.
func NewDelivery(at time.Time) Delivery {
	return Delivery{
		DeliveryID: uuid.NewString(),
		TS:         at.UTC().Format(time.RFC3339Nano),
	}
}
