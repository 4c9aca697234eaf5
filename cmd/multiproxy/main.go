// Package main provides the CLI entry point for the proxy.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/relayfive/multiproxy/internal/config"
	"github.com/relayfive/multiproxy/internal/dispatcher"
	"github.com/relayfive/multiproxy/internal/events"
	"github.com/relayfive/multiproxy/internal/handler"
	"github.com/relayfive/multiproxy/internal/logging"
	"github.com/relayfive/multiproxy/internal/metrics"
	"github.com/relayfive/multiproxy/internal/pool"
	"github.com/relayfive/multiproxy/internal/resolver"
	"github.com/relayfive/multiproxy/internal/summary"
	"github.com/relayfive/multiproxy/internal/tui"
	"github.com/relayfive/multiproxy/internal/wizard"
)

// Version is set at build time via ldflags.
var Version = "dev"

// tickInterval is how often the event bus wakes housekeeping consumers
// (currently just the TUI's finished-row pruning) with an id-0 tick.
const tickInterval = time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:     "multiproxy",
		Short:   "multiproxy - a multi-protocol forwarding proxy",
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})

	run := runCmd()
	run.GroupID = "start"
	initC := initCmd()
	initC.GroupID = "start"

	rootCmd.AddCommand(run, initC, versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(Version)
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactively build a starter configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := wizard.New()
			answers, err := w.Run()
			if err != nil {
				return err
			}
			f, err := wizard.Build(answers)
			if err != nil {
				return err
			}
			if err := wizard.WriteYAML(f, path); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", "config.yaml", "path to write the new configuration file")
	return cmd
}

func runCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), path)
		},
	}
	cmd.Flags().StringVar(&path, "config", "config.yaml", "path to the configuration file")
	return cmd
}

func run(ctx context.Context, path string) error {
	cfg, err := config.LoadAndValidate(path)
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if level == "" {
		level = "info"
	}
	format := cfg.LogFormat
	if format == "" {
		format = "text"
	}
	log := logging.New(level, format)

	m := metrics.Default()
	if cfg.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.Metrics, mux); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	bus := events.NewBus(4096)

	tickStop := make(chan struct{})
	defer close(tickStop)
	go bus.StartTicker(tickInterval, tickStop)

	numSubscribers := 1 // the always-on logger
	if cfg.TUI {
		numSubscribers++
	}
	if cfg.Summary != "" {
		numSubscribers++
	}
	fanout, subs := events.NewFanout(numSubscribers, 1024)
	go fanout.Run(bus.Recv())
	next := 0
	loggerChan := subs[next]
	next++
	var tuiChan <-chan events.Envelope
	if cfg.TUI {
		tuiChan = subs[next]
		next++
	}
	var summaryChan <-chan events.Envelope
	if cfg.Summary != "" {
		summaryChan = subs[next]
		next++
	}

	go logEvents(log, loggerChan)

	var agg *summary.Aggregator
	if cfg.Summary != "" {
		agg = summary.NewAggregator()
		go agg.Consume(summaryChan)
		srv := summary.NewServer(agg, log)
		go func() {
			if err := srv.ListenAndServe(cfg.Summary); err != nil {
				log.Error("summary server stopped", "error", err)
			}
		}()
	}

	connectTimeout := time.Duration(cfg.Timeout.Connect) * time.Millisecond
	ioTimeout := time.Duration(cfg.Timeout.IO) * time.Second
	var preferV6 resolver.Preference
	if cfg.IPv6First != nil {
		preferV6 = cfg.IPv6First
	}

	h := handler.New(bus, m, log, connectTimeout, ioTimeout, preferV6)
	d := dispatcher.New(h, log)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	for _, rf := range cfg.Routing {
		rf := rf
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Serve(ctx, dispatcher.Routing{
				Hosts:     rf.Host,
				Pool:      pool.New(rf.Pool, rf.Pool),
				Group:     rf.Group,
				RateLimit: rate.Limit(rf.RateLimit),
				Burst:     rf.Burst,
			})
		}()
	}

	if cfg.TUI {
		if err := tui.Run(tuiChan); err != nil {
			log.Error("tui exited with error", "error", err)
		}
		cancel()
	} else {
		<-ctx.Done()
	}

	// Listeners stop accepting once ctx is cancelled, but connections
	// already in flight run on their own goroutines and are not bound to
	// ctx; force-close them so the process doesn't wait on, or abandon,
	// live handlers.
	d.Shutdown()
	wg.Wait()
	return nil
}

func logEvents(log *slog.Logger, recv <-chan events.Envelope) {
	for env := range recv {
		if env.Event.Kind == events.Upload || env.Event.Kind == events.Download {
			continue
		}
		log.Debug("event", "id", env.ID, "group", env.Group, "kind", env.Event.Kind.String())
	}
}
