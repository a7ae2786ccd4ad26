package photonpass

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	batchSize      uint32
	messageSize    uint32
	cutoffFraction float64
}

// Option to pass to `NewEngine`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink chooses how to collect the metrics emitted by the engine.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// engine. The rank label is added automatically.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithBatchSize sets how many photons are transported between servicing
// rounds of the message loops.
func WithBatchSize(n uint32) Option {
	return func(c *config) error {
		if n == 0 {
			return fmt.Errorf("%w: %w", ErrInvalidCfg, ErrBatchSize)
		}
		c.batchSize = n
		return nil
	}
}

// WithParticleMessageSize sets the preferred number of photons per message.
// Send queues flush once they reach this size, or earlier when the local
// source is drained.
func WithParticleMessageSize(n uint32) Option {
	return func(c *config) error {
		if n == 0 {
			return fmt.Errorf("%w: %w", ErrInvalidCfg, ErrMessageSize)
		}
		c.messageSize = n
		return nil
	}
}

// WithCutoffFraction sets the kill threshold as a fraction of a photon's
// source energy.
func WithCutoffFraction(f float64) Option {
	return func(c *config) error {
		if f < 0 || f >= 1 {
			return fmt.Errorf("%w: %w", ErrInvalidCfg, ErrCutoffRange)
		}
		c.cutoffFraction = f
		return nil
	}
}

func defaultConfig() *config {
	return &config{
		msink:          &metrics.BlackholeSink{},
		batchSize:      100,
		messageSize:    1000,
		cutoffFraction: 0.01,
	}
}
