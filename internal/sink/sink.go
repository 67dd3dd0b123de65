package sink

import "context"

// Sink receives one Delivery record per channel attempt.
type Sink interface {
	Start(ctx context.Context) error
	Enqueue(d Delivery) error
	Close() error
	Name() string // Returns the sink name for metrics and logging
}
