package prom

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAdapter_Counters(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	a := New(reg, "dbcache", "test", prometheus.Labels{"app": "t"})

	a.Hit()
	a.Hit()
	a.Miss()
	a.Evict()
	a.Scheduled("default", 3)
	a.Scheduled("default", 0)
	a.Scheduled("primary_shard_one", 1)
	a.Expired("default", 7)
	a.Failed("primary_shard_one")

	for name, tc := range map[string]struct {
		c    prometheus.Collector
		want float64
	}{
		"hits":              {a.hits, 2},
		"misses":            {a.misses, 1},
		"local evictions":   {a.localEvicts, 1},
		"scheduled default": {a.scheduled.WithLabelValues("default"), 3},
		"scheduled one":     {a.scheduled.WithLabelValues("primary_shard_one"), 1},
		"expired default":   {a.expired.WithLabelValues("default"), 7},
		"failed one":        {a.failed.WithLabelValues("primary_shard_one"), 1},
	} {
		if got := testutil.ToFloat64(tc.c); got != tc.want {
			t.Errorf("%s = %v, want %v", name, got, tc.want)
		}
	}

	if n := testutil.CollectAndCount(a.expired); n != 1 {
		t.Errorf("expired series = %d, want 1 (zero deletions add no series)", n)
	}
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	New(reg, "dbcache", "dup", nil)
	defer func() {
		if recover() == nil {
			t.Fatal("registering twice must panic")
		}
	}()
	New(reg, "dbcache", "dup", nil)
}
