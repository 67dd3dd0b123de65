package sink

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/shortontech/formrelay/internal/metrics"
)

var errNotStarted = errors.New("sink not started")

// Multi fans a delivery out to every sink. A failing sink is logged and
// counted but never stops the others.
type Multi struct {
	sinks   []Sink
	metrics *metrics.Metrics
	log     logrus.FieldLogger
}

func NewMulti(sinks []Sink, m *metrics.Metrics, log logrus.FieldLogger) *Multi {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Multi{sinks: sinks, metrics: m, log: log}
}

func (m *Multi) Name() string { return "multi" }

// Start starts every sink and keeps the ones that came up.
func (m *Multi) Start(ctx context.Context) error {
	started := m.sinks[:0]
	for _, s := range m.sinks {
		if err := s.Start(ctx); err != nil {
			m.log.WithError(err).WithField("sink", s.Name()).Error("sink failed to start, disabled")
			m.metrics.IncrementSinkErrors(s.Name(), "start")
			continue
		}
		started = append(started, s)
	}
	m.sinks = started
	return nil
}

func (m *Multi) Enqueue(d Delivery) error {
	for _, s := range m.sinks {
		if err := s.Enqueue(d); err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"sink":        s.Name(),
				"delivery_id": d.DeliveryID,
			}).Warn("sink enqueue failed")
			m.metrics.IncrementSinkErrors(s.Name(), "enqueue")
		}
	}
	return nil
}

// Emit is Enqueue without the always-nil error, for use as a callback.
func (m *Multi) Emit(d Delivery) { _ = m.Enqueue(d) }

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			m.metrics.IncrementSinkErrors(s.Name(), "close")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sinks returns the active sinks.
func (m *Multi) Sinks() []Sink { return m.sinks }
