// Package telemetry records client-side metrics for the streaming
// conversation client using OpenTelemetry instruments obtained from the
// global MeterProvider. Configure the provider before use (for example via
// clue.ConfigureOpenTelemetry); with no provider configured every call is a
// cheap no-op.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	once sync.Once

	framesDecoded  metric.Int64Counter
	decodeFailures metric.Int64Counter
	orphanResults  metric.Int64Counter
	turnsStarted   metric.Int64Counter
	turnDuration   metric.Float64Histogram
)

func instruments() {
	once.Do(func() {
		meter := otel.Meter("draftpilot.dev/agentstream")
		framesDecoded, _ = meter.Int64Counter("agentstream.frames.decoded",
			metric.WithDescription("Frames successfully decoded from the event stream"))
		decodeFailures, _ = meter.Int64Counter("agentstream.frames.decode_failures",
			metric.WithDescription("Records that failed JSON decoding or validation and were skipped"))
		orphanResults, _ = meter.Int64Counter("agentstream.correlate.orphan_results",
			metric.WithDescription("Result frames whose correlation id matched no pending record"))
		turnsStarted, _ = meter.Int64Counter("agentstream.turns.started",
			metric.WithDescription("Turns submitted"))
		turnDuration, _ = meter.Float64Histogram("agentstream.turns.duration",
			metric.WithDescription("Wall-clock turn duration in seconds"),
			metric.WithUnit("s"))
	})
}

// FrameDecoded counts one successfully decoded frame of the given kind.
func FrameDecoded(ctx context.Context, kind string) {
	instruments()
	framesDecoded.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// DecodeFailure counts one skipped malformed record.
func DecodeFailure(ctx context.Context) {
	instruments()
	decodeFailures.Add(ctx, 1)
}

// OrphanResult counts one dropped result frame with an unknown correlation id.
func OrphanResult(ctx context.Context, kind string) {
	instruments()
	orphanResults.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// TurnStarted counts one submitted turn.
func TurnStarted(ctx context.Context) {
	instruments()
	turnsStarted.Add(ctx, 1)
}

// TurnFinished records the duration and terminal state of a turn.
func TurnFinished(ctx context.Context, state string, d time.Duration) {
	instruments()
	turnDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("state", state)))
}
