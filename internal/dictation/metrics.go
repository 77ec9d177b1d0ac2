package dictation

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-dictate/internal/domain"
)

type metrics struct {
	cycles    metric.Int64Counter
	fallbacks metric.Int64Counter
	drops     metric.Int64Counter
	duration  metric.Float64Histogram
}

var stateValues = map[domain.State]int64{
	domain.StateIdle:       0,
	domain.StateRecording:  1,
	domain.StateProcessing: 2,
	domain.StateError:      3,
}

// newMetrics registers the controller instruments. Instruments that fail to register stay nil
// and are skipped.
func newMetrics(meter metric.Meter, state func() domain.State) (*metrics, error) {
	m := &metrics{}
	if meter == nil {
		return m, nil
	}
	var errs []error
	var err error
	if m.cycles, err = meter.Int64Counter("dictate.cycles", metric.WithDescription("Completed dictation cycles by outcome")); err != nil {
		errs = append(errs, err)
	}
	if m.fallbacks, err = meter.Int64Counter("dictate.transform.fallbacks", metric.WithDescription("Tone transforms that fell back to normalized text")); err != nil {
		errs = append(errs, err)
	}
	if m.drops, err = meter.Int64Counter("dictate.toggles.dropped", metric.WithDescription("Toggles ignored by the controller")); err != nil {
		errs = append(errs, err)
	}
	if m.duration, err = meter.Float64Histogram("dictate.processing.duration",
		metric.WithDescription("Time from stop to insertion"), metric.WithUnit("s")); err != nil {
		errs = append(errs, err)
	}

	gauge, err := meter.Int64ObservableGauge("dictate.state", metric.WithDescription("Pipeline state: 0 idle, 1 recording, 2 processing, 3 error"))
	if err != nil {
		errs = append(errs, err)
	} else {
		_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
			obs.ObserveInt64(gauge, stateValues[state()])
			return nil
		}, gauge)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return m, errors.Join(errs...)
}

func (m *metrics) cycle(ctx context.Context, outcome string) {
	if m == nil || m.cycles == nil {
		return
	}
	m.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) fallback(ctx context.Context, tone domain.Tone) {
	if m == nil || m.fallbacks == nil {
		return
	}
	m.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("tone", string(tone))))
}

func (m *metrics) dropped(ctx context.Context, reason string) {
	if m == nil || m.drops == nil {
		return
	}
	m.drops.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *metrics) observeDuration(ctx context.Context, d time.Duration, tone domain.Tone) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tone", string(tone))))
}
