package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/runtimeline/pkg/config"
)

type rootOptions struct {
	configPath string
	logFile    string
	cfg        config.Config
	logCloser  io.Closer
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "runtimeline",
		Short:         "Follow the event timeline of agent runs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logCloser != nil {
				_ = opts.logCloser.Close()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Config file (default "+config.DefaultPath()+")")
	pf.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	pf.String("log-format", "auto", "Log format (auto, text, json)")
	pf.StringVar(&opts.logFile, "log-file", "", "Write logs to this file instead of stderr")
	pf.String("base-url", "", "Base URL of the runs REST API")
	pf.String("ws-url", "", "Websocket URL of the live feed (default: <base-url>/ws)")
	pf.Int("page-size", 0, "Events per REST page")
	pf.Int("retry-max", 0, "Automatic retries for failed REST requests")
	pf.String("storage-dsn", "", "SQLite DSN for persisted cursors and follow preferences")
	pf.String("storage-db", "", "SQLite file for persisted cursors and follow preferences (DSN derived)")
	pf.Bool("redis", false, "Consume the live feed from Redis Streams instead of the websocket")
	pf.String("redis-addr", "", "Redis address")
	pf.String("viewport", "", "Viewport class deciding the initial follow mode (wide, narrow)")

	root.AddCommand(
		newWatchCommand(opts),
		newEventsCommand(opts),
		newSummaryCommand(opts),
		newTerminateCommand(opts),
		newReplayCommand(opts),
	)
	return root
}

// load layers flags over environment, file and defaults, then sets up logging.
func (o *rootOptions) load(cmd *cobra.Command) error {
	path, explicit := o.configPath, o.configPath != ""
	if !explicit {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path, explicit)
	if err != nil {
		return err
	}

	fs := cmd.Flags()
	str := func(name string, dst *string) {
		if fs.Changed(name) {
			*dst, _ = fs.GetString(name)
		}
	}
	integer := func(name string, dst *int) {
		if fs.Changed(name) {
			*dst, _ = fs.GetInt(name)
		}
	}
	str("log-level", &cfg.Log.Level)
	str("log-format", &cfg.Log.Format)
	str("base-url", &cfg.BaseURL)
	str("ws-url", &cfg.WSURL)
	str("storage-dsn", &cfg.StorageDSN)
	str("redis-addr", &cfg.Redis.Addr)
	str("viewport", &cfg.Viewport)
	integer("page-size", &cfg.PageSize)
	integer("retry-max", &cfg.RetryMax)
	if fs.Changed("redis") {
		cfg.Redis.Enabled, _ = fs.GetBool("redis")
	}
	if fs.Changed("storage-db") && !fs.Changed("storage-dsn") {
		db, _ := fs.GetString("storage-db")
		if cfg.StorageDSN, err = storageDSNForFile(db); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg = cfg
	return o.initLogger()
}

func (o *rootOptions) initLogger() error {
	level, err := zerolog.ParseLevel(strings.ToLower(o.cfg.Log.Level))
	if err != nil {
		return errors.Wrap(err, "parse log level")
	}
	zerolog.SetGlobalLevel(level)

	out := os.Stderr
	if o.logFile != "" {
		f, err := os.OpenFile(o.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		out = f
		o.logCloser = f
	}
	var w io.Writer = out
	switch o.cfg.Log.Format {
	case "text":
		w = zerolog.ConsoleWriter{Out: out, NoColor: o.logFile != ""}
	case "json":
	default:
		if isatty.IsTerminal(out.Fd()) {
			w = zerolog.ConsoleWriter{Out: out}
		}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}

// quietForTUI drops log output that would otherwise be drawn over the terminal UI.
func (o *rootOptions) quietForTUI() {
	if o.logFile == "" {
		log.Logger = zerolog.New(io.Discard)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
