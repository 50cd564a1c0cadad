package expiry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Job describes one eviction batch against one shard. It is the payload of
// deferred jobs and the argument of Executor.Execute for inline batches, so
// both paths run exactly the same operation.
type Job struct {
	BatchSize int    `msgpack:"batch_size"`
	Shard     string `msgpack:"shard"`
	// MaxAge is in seconds; nil means age does not matter.
	MaxAge *int64 `msgpack:"max_age"`
	// MaxEntries is the per-shard cap; nil means unbounded.
	MaxEntries *int64 `msgpack:"max_entries"`
}

// MaxAgeDuration returns MaxAge as a duration (0 when unset).
func (j Job) MaxAgeDuration() time.Duration {
	if j.MaxAge == nil {
		return 0
	}
	return time.Duration(*j.MaxAge) * time.Second
}

// MaxEntriesInt returns MaxEntries (0 when unset).
func (j Job) MaxEntriesInt() int {
	if j.MaxEntries == nil {
		return 0
	}
	return int(*j.MaxEntries)
}

// Marshal encodes the job for a work queue.
func (j Job) Marshal() ([]byte, error) {
	b, err := msgpack.Marshal(&j)
	return b, errors.Wrap(err, "expiry: encode job")
}

// UnmarshalJob decodes a payload produced by Job.Marshal.
func UnmarshalJob(b []byte) (Job, error) {
	var j Job
	if err := msgpack.Unmarshal(b, &j); err != nil {
		return Job{}, errors.Wrap(err, "expiry: decode job")
	}
	if j.Shard == "" || j.BatchSize <= 0 {
		return Job{}, errors.Errorf("expiry: malformed job %+v", j)
	}
	return j, nil
}

// Executor runs eviction batches. The cluster implements it by calling
// ExpireOldest on the named shard's store.
type Executor interface {
	Execute(ctx context.Context, job Job) (int, error)
}

// Perform decodes a deferred job payload and executes it.
// It is the body of the queue worker's handler.
func Perform(ctx context.Context, exec Executor, payload []byte) (int, error) {
	j, err := UnmarshalJob(payload)
	if err != nil {
		return 0, err
	}
	return exec.Execute(ctx, j)
}
