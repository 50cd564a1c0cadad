package cache

// NoopMetrics is the default Metrics; it does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit()   {}
func (NoopMetrics) Miss()  {}
func (NoopMetrics) Evict() {}

var _ Metrics = NoopMetrics{}
