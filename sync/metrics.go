package sync

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"charsync/domain"
)

const tracerName = "charsync/sync"

// batchMetrics aggregates one publisher batch and emits it as a structured
// log entry, the counters operators alert on.
type batchMetrics struct {
	logger    *log.Logger
	start     time.Time
	BatchSize int
	Published int
	Retried   int
	Failed    int
}

func newBatchMetrics(logger *log.Logger, size int) *batchMetrics {
	return &batchMetrics{logger: logger, start: time.Now(), BatchSize: size}
}

func (m *batchMetrics) Log() {
	if m == nil || m.logger == nil {
		return
	}
	m.logger.WithFields(log.Fields{
		"batch_size": m.BatchSize,
		"published":  m.Published,
		"retried":    m.Retried,
		"failed":     m.Failed,
		"total_ms":   durationToMillis(time.Since(m.start)),
	}).Info("publisher.batch.metrics")
}

// messageMetrics traces one consumed protocol message: an otel span plus a
// structured log entry on completion.
type messageMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time
	msg    domain.Message
	stage  string
}

func newMessageMetrics(ctx context.Context, logger *log.Logger, msg domain.Message) (*messageMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, "sync.message",
		trace.WithAttributes(
			attribute.String("sync.message.type", string(msg.Type)),
			attribute.String("sync.character.id", msg.CharacterID),
			attribute.String("sync.campaign.id", msg.CampaignID),
		))
	return &messageMetrics{logger: logger, span: span, start: time.Now(), msg: msg}, spanCtx
}

func (m *messageMetrics) SetStage(stage string) {
	if stage != "" {
		m.stage = stage
	}
}

func (m *messageMetrics) Log(err error) {
	if m == nil {
		return
	}
	if m.span != nil {
		if err != nil {
			m.span.RecordError(err)
			m.span.SetStatus(codes.Error, err.Error())
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}
	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"message":   m.msg.ID,
		"type":      m.msg.Type,
		"character": m.msg.CharacterID,
		"total_ms":  durationToMillis(time.Since(m.start)),
	}
	if m.stage != "" {
		fields["error_stage"] = m.stage
	}
	if err != nil {
		fields["error"] = err.Error()
		m.logger.WithFields(fields).Warn("sync.message.metrics")
		return
	}
	m.logger.WithFields(fields).Debug("sync.message.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
