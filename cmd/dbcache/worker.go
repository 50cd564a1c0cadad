package main

import (
	"context"
	"strings"
	"time"

	"github.com/maruel/subcommands"
	"github.com/pkg/errors"

	"github.com/IvanBrykalov/dbcache/config"
	"github.com/IvanBrykalov/dbcache/expiry"
	"github.com/IvanBrykalov/dbcache/jobqueue"
)

var cmdWorker = &subcommands.Command{
	UsageLine: "worker -config <file> [-queues a,b]",
	ShortDesc: "performs queued expiry jobs",
	LongDesc: "Consumes expiry jobs from the configured Redis queues and runs " +
		"each against its shard until interrupted.",
	CommandRun: func() subcommands.CommandRun {
		c := &workerRun{}
		c.init(true)
		c.Flags.StringVar(&c.queues, "queues", "", "comma separated queue names (default: the configured expiry queue)")
		c.Flags.DurationVar(&c.poll, "poll", jobqueue.DefaultPollTimeout, "per-queue wait")
		return c
	},
}

type workerRun struct {
	commonFlags
	queues string
	poll   time.Duration
}

func (r *workerRun) Run(_ subcommands.Application, args []string, _ subcommands.Env) int {
	ctx, cancel, err := r.setup()
	if err != nil {
		return done(err)
	}
	defer cancel()
	return done(r.run(ctx))
}

func (r *workerRun) run(ctx context.Context) error {
	cfg, err := r.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Redis.Addr == "" {
		return errors.New("worker: redis.addr is not configured")
	}
	d, err := cfg.Open(ctx, config.OpenOptions{})
	if err != nil {
		return err
	}
	defer d.Close()

	names := []string{cfg.Expiry.Queue}
	if r.queues != "" {
		names = strings.Split(r.queues, ",")
	}
	if names[0] == "" {
		names[0] = expiry.DefaultQueue
	}

	w := &jobqueue.Worker{
		Queue:   d.Queue,
		Queues:  names,
		Timeout: r.poll,
		Handler: func(ctx context.Context, payload []byte) error {
			n, err := expiry.Perform(ctx, d.Cluster, payload)
			if err == nil {
				log.Debugf("worker: expired %d entries", n)
			}
			return err
		},
	}
	log.Infof("worker: consuming %v", names)
	if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	log.Infof("worker: stopped")
	return nil
}
