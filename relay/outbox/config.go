package outbox

import (
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	defaultPollInterval     = 2 * time.Second
	defaultBatchSize        = 50
	defaultWorkers          = 4
	defaultMaxRetries       = 10
	defaultRetryBackoffBase = 30 * time.Second
	defaultRetryBackoffMax  = 30 * time.Minute
	defaultClaimLease       = 10 * time.Minute
	defaultStuckResetLimit  = 100
)

// PublisherConfig controls polling, claiming, retry, and metric behavior.
type PublisherConfig struct {
	// PollInterval is the periodic interval between drain cycles.
	PollInterval time.Duration
	// BatchSize is the max number of messages claimed per cycle.
	BatchSize int
	// Workers bounds per-cycle publish concurrency.
	Workers int
	// MaxRetries is the retry budget before a message dead-letters. A
	// message that fails MaxRetries+1 times total becomes DEAD_LETTER.
	MaxRetries int
	// RetryBackoffBase is the base delay for the exponential retry schedule.
	RetryBackoffBase time.Duration
	// RetryBackoffMax caps the computed retry delay.
	RetryBackoffMax time.Duration
	// ClaimLease is the age after which a PROCESSING row is considered
	// abandoned by a crashed instance and reset to PENDING.
	ClaimLease time.Duration
	// StuckResetLimit caps how many stale claims are reset per cycle.
	StuckResetLimit int
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultPublisherConfig returns the baseline publisher configuration.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		PollInterval:     defaultPollInterval,
		BatchSize:        defaultBatchSize,
		Workers:          defaultWorkers,
		MaxRetries:       defaultMaxRetries,
		RetryBackoffBase: defaultRetryBackoffBase,
		RetryBackoffMax:  defaultRetryBackoffMax,
		ClaimLease:       defaultClaimLease,
		StuckResetLimit:  defaultStuckResetLimit,
		MeterProvider:    nil,
	}
}

func (cfg *PublisherConfig) normalize() {
	defaults := DefaultPublisherConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = defaults.RetryBackoffBase
	}

	if cfg.RetryBackoffMax <= 0 {
		cfg.RetryBackoffMax = defaults.RetryBackoffMax
	}

	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = defaults.ClaimLease
	}

	if cfg.StuckResetLimit <= 0 {
		cfg.StuckResetLimit = defaults.StuckResetLimit
	}
}

// PublisherOption mutates publisher configuration at construction.
type PublisherOption func(*Publisher)

// WithPollInterval sets the drain polling interval.
func WithPollInterval(interval time.Duration) PublisherOption {
	return func(publisher *Publisher) {
		if interval > 0 {
			publisher.cfg.PollInterval = interval
		}
	}
}

// WithBatchSize sets the maximum messages claimed in one cycle.
func WithBatchSize(size int) PublisherOption {
	return func(publisher *Publisher) {
		if size > 0 {
			publisher.cfg.BatchSize = size
		}
	}
}

// WithWorkers sets the per-cycle publish concurrency bound.
func WithWorkers(workers int) PublisherOption {
	return func(publisher *Publisher) {
		if workers > 0 {
			publisher.cfg.Workers = workers
		}
	}
}

// WithMaxRetries sets the retry budget before dead-lettering.
func WithMaxRetries(maxRetries int) PublisherOption {
	return func(publisher *Publisher) {
		if maxRetries > 0 {
			publisher.cfg.MaxRetries = maxRetries
		}
	}
}

// WithRetryBackoff sets the base and cap of the exponential retry schedule.
func WithRetryBackoff(base, ceiling time.Duration) PublisherOption {
	return func(publisher *Publisher) {
		if base > 0 {
			publisher.cfg.RetryBackoffBase = base
		}

		if ceiling > 0 {
			publisher.cfg.RetryBackoffMax = ceiling
		}
	}
}

// WithClaimLease sets the stale-claim recovery threshold.
func WithClaimLease(lease time.Duration) PublisherOption {
	return func(publisher *Publisher) {
		if lease > 0 {
			publisher.cfg.ClaimLease = lease
		}
	}
}

// WithStuckResetLimit caps stale-claim resets per cycle.
func WithStuckResetLimit(limit int) PublisherOption {
	return func(publisher *Publisher) {
		if limit > 0 {
			publisher.cfg.StuckResetLimit = limit
		}
	}
}

// WithRetryClassifier sets the non-retryable error classifier.
func WithRetryClassifier(classifier RetryClassifier) PublisherOption {
	return func(publisher *Publisher) {
		publisher.retryClassifier = classifier
	}
}

// WithMeterProvider injects a custom meter provider for publisher metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) PublisherOption {
	return func(publisher *Publisher) {
		publisher.cfg.MeterProvider = provider
	}
}
