package main

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shortontech/formrelay/internal/channel"
	"github.com/shortontech/formrelay/internal/integration"
	"github.com/shortontech/formrelay/internal/sink"
)

// generateTestDeliveries covers every channel kind and status so each sink
// schema can be checked end to end.
func generateTestDeliveries() []sink.Delivery {
	now := time.Now()
	session := "test-form:lead@example.com:" + uuid.NewString()[:8]

	mk := func(offset time.Duration, kind integration.Kind, status, strategy, reason, errMsg string, latency int64) sink.Delivery {
		d := sink.NewDelivery(now.Add(offset))
		d.SessionID = session
		d.FormID = "test-form"
		d.IntegrationID = "test-" + string(kind)
		d.Kind = string(kind)
		d.Status = status
		d.Strategy = strategy
		d.Reason = reason
		d.Error = errMsg
		d.LatencyMS = latency
		return d
	}

	return []sink.Delivery{
		mk(0, integration.KindWebhook, channel.StatusDelivered, "json", "", "", 84),
		mk(time.Millisecond, integration.KindWebhook, channel.StatusUnobserved, "form", "", "json: status 415", 1210),
		mk(2*time.Millisecond, integration.KindMetaAds, channel.StatusDelivered, "capi", "", "", 231),
		mk(3*time.Millisecond, integration.KindMetaAds, channel.StatusUnobserved, "pixel", "", channel.ErrCAPIRejected.Error(), 190),
		mk(4*time.Millisecond, integration.KindGoogleAds, channel.StatusUnobserved, "gtag", "", "", 0),
		mk(5*time.Millisecond, integration.KindAnalytics, channel.StatusSkipped, "", "inactive or no tag", "", 0),
		mk(6*time.Millisecond, integration.KindWebhook, channel.StatusFailed, "", "", "json: dial tcp: connection refused", 3002),
	}
}

// runTestMode pushes sample deliveries through emit.
func runTestMode(emit func(sink.Delivery), log logrus.FieldLogger) {
	log.Info("test mode: emitting sample deliveries")

	deliveries := generateTestDeliveries()
	for i, d := range deliveries {
		log.WithFields(logrus.Fields{
			"n":      i + 1,
			"of":     len(deliveries),
			"kind":   d.Kind,
			"status": d.Status,
		}).Info("test mode: delivery emitted")
		emit(d)
	}

	log.Info("test mode: done, check LOG_PATH, the Kafka topic or the deliveries table")
}
