package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/maruel/subcommands"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/dbcache/cache"
	"github.com/IvanBrykalov/dbcache/config"
	"github.com/IvanBrykalov/dbcache/expiry"
	"github.com/IvanBrykalov/dbcache/jobqueue"
	pmet "github.com/IvanBrykalov/dbcache/metrics/prom"
)

var cmdBench = &subcommands.Command{
	UsageLine: "bench [-config <file>] [flags]",
	ShortDesc: "runs a synthetic workload against a cluster",
	LongDesc: "Runs a Zipf-distributed read/write workload against the configured " +
		"cluster, or against in-memory SQLite shards when no configuration is " +
		"given, and reports throughput, hit rate and shard sizes.",
	CommandRun: func() subcommands.CommandRun {
		c := &benchRun{}
		c.init(false)
		c.Flags.IntVar(&c.shards, "shards", 2, "in-memory shards when -config is not set")
		c.Flags.IntVar(&c.batch, "batch", expiry.DefaultBatchSize, "expiry batch size for in-memory shards")
		c.Flags.IntVar(&c.maxEntries, "max-entries", 10_000, "per-shard max entries for in-memory shards (0 = unbounded)")
		c.Flags.IntVar(&c.workers, "workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		c.Flags.DurationVar(&c.duration, "duration", 10*time.Second, "benchmark duration")
		c.Flags.IntVar(&c.readPct, "reads", 80, "read percentage [0..100]")
		c.Flags.Float64Var(&c.rate, "rate", 0, "max operations per second (0 = unlimited)")
		c.Flags.IntVar(&c.keys, "keys", 100_000, "keyspace size")
		c.Flags.Float64Var(&c.zipfS, "zipf_s", 1.1, "Zipf s > 1 (skew)")
		c.Flags.Float64Var(&c.zipfV, "zipf_v", 1.0, "Zipf v")
		c.Flags.Int64Var(&c.seed, "seed", time.Now().UnixNano(), "random seed")
		c.Flags.IntVar(&c.local, "local", 0, "per-worker local cache size (0 = disabled)")
		c.Flags.StringVar(&c.metricsAddr, "http", "", "serve Prometheus metrics at addr (e.g. :8080)")
		return c
	},
}

type benchRun struct {
	commonFlags
	shards, batch, maxEntries int
	workers, readPct, keys    int
	local                     int
	duration                  time.Duration
	rate, zipfS, zipfV        float64
	seed                      int64
	metricsAddr               string
}

func (r *benchRun) Run(_ subcommands.Application, args []string, _ subcommands.Env) int {
	ctx, cancel, err := r.setup()
	if err != nil {
		return done(err)
	}
	defer cancel()
	return done(r.run(ctx))
}

// benchConfig returns the configured deployment, or in-memory shards.
func (r *benchRun) benchConfig() (*config.Config, error) {
	if r.configPath != "" {
		return r.loadConfig()
	}
	cfg := &config.Config{Driver: "sqlite", Shards: map[string]string{}}
	for i := 0; i < r.shards; i++ {
		cfg.Shards["shard_"+strconv.Itoa(i)] = ":memory:"
	}
	cfg.Expiry.BatchSize = r.batch
	cfg.Expiry.MaxEntries = &r.maxEntries
	return cfg, nil
}

func (r *benchRun) run(ctx context.Context) error {
	cfg, err := r.benchConfig()
	if err != nil {
		return err
	}
	metrics := pmet.New(nil, "dbcache", "bench", nil)
	if r.metricsAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Infof("metrics: serving at %s", r.metricsAddr)
			log.Warning(http.ListenAndServe(r.metricsAddr, nil))
		}()
	}

	// A job-method config benchmarks the enqueue path; jobs stay queued.
	opt := config.OpenOptions{Metrics: metrics}
	if ec, _ := cfg.ExpiryConfig(); ec.Method == expiry.MethodJob && cfg.Redis.Addr == "" {
		opt.Queue = jobqueue.NewMemory()
	}
	d, err := cfg.Open(ctx, opt)
	if err != nil {
		return err
	}
	defer d.Close()
	c := cache.New(d.Cluster, cache.Options{Namespace: cfg.Namespace, Metrics: metrics})

	var limiter *rate.Limiter
	if r.rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.rate), r.workers)
	}
	workers := r.workers
	if workers <= 0 {
		workers = 1
	}

	var reads, writes, hits, errs atomic.Uint64
	ctx, stop := context.WithTimeout(ctx, r.duration)
	defer stop()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			// rand.Rand is not goroutine-safe: one source and Zipf per worker.
			rnd := rand.New(rand.NewSource(r.seed + int64(id)*9973))
			zipf := rand.NewZipf(rnd, r.zipfS, r.zipfV, uint64(r.keys-1))
			wctx := ctx
			if r.local > 0 {
				wctx = cache.WithLocalCache(ctx, r.local)
			}
			for ctx.Err() == nil {
				if limiter != nil && limiter.Wait(ctx) != nil {
					return
				}
				k := "k:" + strconv.FormatUint(zipf.Uint64(), 10)
				if rnd.Intn(100) < r.readPct {
					reads.Add(1)
					_, ok, err := c.Read(wctx, k)
					switch {
					case err != nil && ctx.Err() == nil:
						errs.Add(1)
					case ok:
						hits.Add(1)
					}
					continue
				}
				writes.Add(1)
				if err := c.Write(wctx, k, []byte("v"+strconv.Itoa(rnd.Int()))); err != nil && ctx.Err() == nil {
					errs.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// Let inline expiry settle before counting.
	d.Cluster.Wait()
	sizes, err := shardSizes(context.Background(), d)
	if err != nil {
		return err
	}

	ops := reads.Load() + writes.Load()
	hitRate := 0.0
	if n := reads.Load(); n > 0 {
		hitRate = float64(hits.Load()) / float64(n) * 100
	}
	fmt.Printf("shards=%d workers=%d keys=%s dur=%v seed=%d\n",
		len(sizes), workers, humanize.Comma(int64(r.keys)), elapsed.Round(time.Millisecond), r.seed)
	fmt.Printf("ops=%s (%s ops/s)  reads=%s  writes=%s  errors=%s\n",
		humanize.Comma(int64(ops)), humanize.SIWithDigits(float64(ops)/elapsed.Seconds(), 1, ""),
		humanize.Comma(int64(reads.Load())), humanize.Comma(int64(writes.Load())), humanize.Comma(int64(errs.Load())))
	fmt.Printf("hit-rate=%.2f%%  expiry-batches=%s\n", hitRate, humanize.Comma(d.Cluster.ScheduledTasks()))
	for _, name := range d.Cluster.Shards() {
		fmt.Printf("  %-20s %s entries\n", name, humanize.Comma(int64(sizes[name])))
	}
	return nil
}

// shardSizes counts every shard concurrently.
func shardSizes(ctx context.Context, d *config.Deployment) (map[string]int, error) {
	var mu sync.Mutex
	out := make(map[string]int)
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range d.Cluster.Shards() {
		s, _ := d.Cluster.Store(name)
		g.Go(func() error {
			n, err := s.Count(ctx)
			mu.Lock()
			out[name] = n
			mu.Unlock()
			return err
		})
	}
	return out, g.Wait()
}
