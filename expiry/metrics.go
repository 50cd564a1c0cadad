package expiry

// Metrics receives expiry signals. Implementations must be safe for
// concurrent use.
type Metrics interface {
	// Scheduled is called with the number of batches a write triggered.
	Scheduled(shard string, batches int)
	// Expired is called after a batch removed deleted entries.
	Expired(shard string, deleted int)
	// Failed is called when a batch could not be dispatched or executed.
	Failed(shard string)
}

// NoopMetrics discards everything; it is the default.
type NoopMetrics struct{}

func (NoopMetrics) Scheduled(string, int) {}
func (NoopMetrics) Expired(string, int)   {}
func (NoopMetrics) Failed(string)         {}

var _ Metrics = NoopMetrics{}
