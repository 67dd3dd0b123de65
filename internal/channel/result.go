// Package channel delivers one submission to one configured integration.
package channel

// Delivery statuses.
const (
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
	StatusUnobserved = "unobserved" // sent, but the outcome cannot be known
)

// Result is the outcome of one channel attempt.
type Result struct {
	Status   string
	Strategy string // webhook strategy or meta path that carried the event
	Reason   string // why a channel was skipped
	Err      error
}

func Skipped(reason string) Result { return Result{Status: StatusSkipped, Reason: reason} }

func Failed(err error) Result { return Result{Status: StatusFailed, Err: err} }
