package expiry

import (
	"time"

	"github.com/pkg/errors"
)

// Method selects how eviction batches are executed.
type Method string

const (
	// MethodThread runs batches on an in-process background runner.
	MethodThread Method = "thread"
	// MethodJob enqueues batches as jobs on a named work queue.
	MethodJob Method = "job"
)

// ErrInvalidMethod is returned for an expiry method other than thread or job.
var ErrInvalidMethod = errors.New("expiry: method must be one of `thread` or `job`")

// ParseMethod converts a configuration string into a Method.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodThread, MethodJob:
		return m, nil
	default:
		return "", errors.Wrapf(ErrInvalidMethod, "got %q", s)
	}
}

// Defaults applied by DefaultConfig and Config.WithDefaults.
const (
	DefaultBatchSize = 100
	DefaultQueue     = "default"
	DefaultMaxAge    = 14 * 24 * time.Hour
)

// NoMaxAge as Config.MaxAge disables age-based eviction.
const NoMaxAge time.Duration = -1

// Multiplier is how many entries are evicted, on average, per entry written.
// Anything above 1 keeps downward pressure on shard size under sustained
// write load.
const Multiplier = 1.25

// Config is the expiry configuration of one cluster.
type Config struct {
	// BatchSize is the number of entries evicted per triggered batch.
	BatchSize int
	// Method picks the dispatch backend.
	Method Method
	// Queue names the work queue used when Method is MethodJob.
	Queue string
	// MaxAge makes entries older than this (since their last write)
	// eligible for eviction. NoMaxAge disables age-based eviction.
	MaxAge time.Duration
	// MaxEntries is a soft per-shard cap. Zero means unbounded by count.
	MaxEntries int
}

// DefaultConfig returns the configuration used when nothing is specified.
func DefaultConfig() Config {
	return Config{
		BatchSize: DefaultBatchSize,
		Method:    MethodThread,
		Queue:     DefaultQueue,
		MaxAge:    DefaultMaxAge,
	}
}

// WithDefaults returns c with every zero field replaced by its default.
// Zero MaxAge becomes DefaultMaxAge; use NoMaxAge to disable it.
func (c Config) WithDefaults() Config {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Method == "" {
		c.Method = MethodThread
	}
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.MaxAge == 0 {
		c.MaxAge = DefaultMaxAge
	}
	return c
}

// Validate reports configuration errors that must fail construction.
func (c Config) Validate() error {
	if _, err := ParseMethod(string(c.Method)); err != nil {
		return err
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("expiry: batch size must be > 0, got %d", c.BatchSize)
	}
	if (c.MaxAge < 0 && c.MaxAge != NoMaxAge) || c.MaxEntries < 0 {
		return errors.New("expiry: max age and max entries must not be negative")
	}
	return nil
}

// ExpiresPerWrite is the expected number of batches per written entry.
func (c Config) ExpiresPerWrite() float64 {
	return (1 / float64(c.BatchSize)) * Multiplier
}

// Job builds the eviction batch description for shard.
func (c Config) Job(shard string) Job {
	j := Job{BatchSize: c.BatchSize, Shard: shard}
	if c.MaxAge > 0 {
		secs := int64(c.MaxAge / time.Second)
		j.MaxAge = &secs
	}
	if c.MaxEntries > 0 {
		n := int64(c.MaxEntries)
		j.MaxEntries = &n
	}
	return j
}
