// Package config loads a dbcache deployment from YAML and opens it.
//
// A configuration file looks like:
//
//	namespace: app
//	driver: sqlite
//	table: cache_entries
//	shards:
//	  default: file:/var/lib/dbcache/default.db
//	  primary_shard_one: file:/var/lib/dbcache/one.db
//	expiry:
//	  batch_size: 100
//	  method: job          # thread | job
//	  queue: cache_expiry
//	  max_age: 1209600     # seconds; 0 disables age-based expiry
//	  max_entries: 1000000 # per shard; absent or 0 means unbounded
//	  concurrency: 4       # inline batches running at once (thread)
//	redis:
//	  addr: localhost:6379
//	  prefix: dbcache:queue
//
// Absent values take the library defaults.
package config

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/IvanBrykalov/dbcache/cluster"
	"github.com/IvanBrykalov/dbcache/entry"
	"github.com/IvanBrykalov/dbcache/expiry"
	"github.com/IvanBrykalov/dbcache/jobqueue"
	"github.com/IvanBrykalov/dbcache/store/sqlstore"
)

var log = logging.MustGetLogger("config")

// Config is the parsed configuration file.
type Config struct {
	Namespace string            `yaml:"namespace"`
	Driver    string            `yaml:"driver"`
	Table     string            `yaml:"table"`
	Shards    map[string]string `yaml:"shards"`
	Expiry    Expiry            `yaml:"expiry"`
	Redis     Redis             `yaml:"redis"`
}

// Expiry mirrors expiry.Config. Pointer fields distinguish "absent"
// (default) from an explicit zero (disabled).
type Expiry struct {
	BatchSize   int    `yaml:"batch_size"`
	Method      string `yaml:"method"`
	Queue       string `yaml:"queue"`
	MaxAge      *int64 `yaml:"max_age"`
	MaxEntries  *int   `yaml:"max_entries"`
	Concurrency int    `yaml:"concurrency"`
}

// Redis locates the job queue server.
type Redis struct {
	Addr   string `yaml:"addr"`
	Prefix string `yaml:"prefix"`
}

// Parse decodes a configuration. Unknown fields are errors, and so is an
// invalid expiry section.
func Parse(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "config: read")
	}
	var c Config
	if err := yaml.UnmarshalStrict(raw, &c); err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}
	if len(c.Shards) == 0 {
		return nil, errors.New("config: at least one shard is required")
	}
	if _, err := c.ExpiryConfig(); err != nil {
		return nil, err
	}
	if c.Driver == "" {
		c.Driver = sqlstore.DriverName
	}
	return &c, nil
}

// Load parses the file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: open")
	}
	defer f.Close()
	c, err := Parse(f)
	return c, errors.Wrapf(err, "config: %s", path)
}

// ExpiryConfig converts the expiry section, applying defaults.
func (c *Config) ExpiryConfig() (expiry.Config, error) {
	ec := expiry.DefaultConfig()
	e := c.Expiry
	if e.BatchSize != 0 {
		ec.BatchSize = e.BatchSize
	}
	if e.Method != "" {
		m, err := expiry.ParseMethod(e.Method)
		if err != nil {
			return expiry.Config{}, errors.Wrap(err, "config: expiry")
		}
		ec.Method = m
	}
	if e.Queue != "" {
		ec.Queue = e.Queue
	}
	switch {
	case e.MaxAge == nil:
	case *e.MaxAge == 0:
		ec.MaxAge = expiry.NoMaxAge
	default:
		ec.MaxAge = time.Duration(*e.MaxAge) * time.Second
	}
	if e.MaxEntries != nil {
		ec.MaxEntries = *e.MaxEntries
	}
	if err := ec.Validate(); err != nil {
		return expiry.Config{}, errors.Wrap(err, "config: expiry")
	}
	return ec, nil
}

// OpenOptions carries the runtime collaborators of Open.
// Zero values are safe:
//   - nil Clock   => entry.SystemClock
//   - nil Metrics => expiry.NoopMetrics
//   - nil Queue   => a Redis queue at Redis.Addr, opened only for the job method
type OpenOptions struct {
	Clock   entry.Clock
	Metrics expiry.Metrics
	Queue   jobqueue.Queue
}

// Deployment is an opened configuration.
type Deployment struct {
	Config  *Config
	Cluster *cluster.Cluster
	// Queue is the job queue, or nil when expiry runs inline and no
	// queue was supplied.
	Queue jobqueue.Queue

	closers []io.Closer
}

// Open connects every shard, migrates its schema and builds the cluster.
// On error everything opened so far is closed again.
func (c *Config) Open(ctx context.Context, opt OpenOptions) (_ *Deployment, err error) {
	ec, err := c.ExpiryConfig()
	if err != nil {
		return nil, err
	}
	d := &Deployment{Config: c, Queue: opt.Queue}
	shards := make(map[string]entry.Store, len(c.Shards))
	defer func() {
		if err == nil {
			return
		}
		if d.Cluster == nil {
			for _, s := range shards {
				_ = s.(io.Closer).Close()
			}
		}
		_ = d.Close()
	}()

	for name, dsn := range c.Shards {
		s, err := sqlstore.Open(ctx, c.Driver, dsn, sqlstore.Options{Table: c.Table, Clock: opt.Clock})
		if err != nil {
			return nil, errors.Wrapf(err, "config: shard %q", name)
		}
		shards[name] = s
	}

	if d.Queue == nil && (ec.Method == expiry.MethodJob || c.Redis.Addr != "") {
		if c.Redis.Addr == "" {
			return nil, errors.New("config: expiry method `job` needs redis.addr")
		}
		pool := jobqueue.NewPool(c.Redis.Addr)
		d.closers = append(d.closers, pool)
		d.Queue = jobqueue.NewRedis(pool, c.Redis.Prefix)
	}

	d.Cluster, err = cluster.New(cluster.Options{
		Shards:      shards,
		Expiry:      ec,
		Queue:       d.Queue,
		Concurrency: c.Expiry.Concurrency,
		Metrics:     opt.Metrics,
	})
	if err != nil {
		return nil, err
	}
	log.Infof("config: opened %d shard(s) with driver %s", len(shards), c.Driver)
	return d, nil
}

// Close closes the cluster (waiting for inline expiry) and the queue pool.
func (d *Deployment) Close() error {
	var first error
	if d.Cluster != nil {
		first = d.Cluster.Close()
	}
	for _, cl := range d.closers {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
