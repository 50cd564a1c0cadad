// Command dbcache is the operations tool of a database-backed cache.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/maruel/subcommands"
	"github.com/op/go-logging"
	"github.com/pkg/errors"

	"github.com/IvanBrykalov/dbcache/config"
)

var log = logging.MustGetLogger("dbcache")

// logFormat prints process ID, time, file, level and sequence number,
// colored, then the message.
const logFormat = `%{color}[P%{pid} %{time:15:04:05.000} %{shortfile} %{level:.4s} %{id:03x}]` +
	`%{color:reset} %{message}`

var application = &subcommands.DefaultApplication{
	Name:  "dbcache",
	Title: "Database-backed sharded cache tool.",
	// Keep in alphabetical order of their name.
	Commands: []*subcommands.Command{
		cmdBench,
		cmdExpire,
		subcommands.CmdHelp,
		cmdWorker,
	},
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	subcommands.CommandRunBase
	configPath string
	logLevel   string
}

func (c *commonFlags) init(configRequired bool) {
	help := "path to the YAML configuration"
	if !configRequired {
		help += " (optional)"
	}
	c.Flags.StringVar(&c.configPath, "config", "", help)
	c.Flags.StringVar(&c.logLevel, "log-level", "INFO", "DEBUG, INFO, WARNING or ERROR")
}

// setup installs the logging backend and returns a context cancelled on
// SIGINT/SIGTERM.
func (c *commonFlags) setup() (context.Context, context.CancelFunc, error) {
	lvl, err := logging.LogLevel(c.logLevel)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "bad -log-level")
	}
	backend := logging.NewBackendFormatter(
		logging.NewLogBackend(os.Stderr, "", 0),
		logging.MustStringFormatter(logFormat))
	leveled := logging.AddModuleLevel(backend)
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx, cancel, nil
}

func (c *commonFlags) loadConfig() (*config.Config, error) {
	if c.configPath == "" {
		return nil, errors.New("-config is required")
	}
	return config.Load(c.configPath)
}

// done logs err and converts it into an exit code.
func done(err error) int {
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(subcommands.Run(application, nil))
}
