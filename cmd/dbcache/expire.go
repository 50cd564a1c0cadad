package main

import (
	"context"
	"fmt"

	"github.com/maruel/subcommands"
	"github.com/pkg/errors"

	"github.com/IvanBrykalov/dbcache/config"
	"github.com/IvanBrykalov/dbcache/expiry"
)

var cmdExpire = &subcommands.Command{
	UsageLine: "expire -config <file> -shard <name> [-batches N]",
	ShortDesc: "runs expiry batches on one shard now",
	LongDesc: "Runs expiry batches on one shard with the configured batch size, " +
		"max age and max entries, exactly as a queued job would.",
	CommandRun: func() subcommands.CommandRun {
		c := &expireRun{}
		c.init(true)
		c.Flags.StringVar(&c.shard, "shard", "", "shard name")
		c.Flags.IntVar(&c.batches, "batches", 1, "number of batches to run")
		return c
	},
}

type expireRun struct {
	commonFlags
	shard   string
	batches int
}

func (r *expireRun) Run(_ subcommands.Application, args []string, _ subcommands.Env) int {
	ctx, cancel, err := r.setup()
	if err != nil {
		return done(err)
	}
	defer cancel()
	return done(r.run(ctx))
}

func (r *expireRun) run(ctx context.Context) error {
	if r.shard == "" {
		return errors.New("-shard is required")
	}
	cfg, err := r.loadConfig()
	if err != nil {
		return err
	}
	// Expiry here is explicit, so no queue is needed whatever the method.
	cfg.Expiry.Method = string(expiry.MethodThread)
	d, err := cfg.Open(ctx, config.OpenOptions{})
	if err != nil {
		return err
	}
	defer d.Close()

	ec, _ := cfg.ExpiryConfig()
	job := ec.Job(r.shard)
	total := 0
	for i := 0; i < r.batches; i++ {
		n, err := d.Cluster.Execute(ctx, job)
		if err != nil {
			return err
		}
		total += n
		if n == 0 {
			break
		}
	}
	fmt.Printf("shard=%s deleted=%d\n", r.shard, total)
	return nil
}
