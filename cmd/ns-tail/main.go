package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/logging"
	"Go2NetSentry/internal/model"
	"Go2NetSentry/internal/stream"
)

func main() {
	// --- Command-Line Flag Parsing ---
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	mode := flag.String("mode", "tail", "Operating mode: 'tail' to print the live feed, 'replay' to publish records read from stdin.")
	transport := flag.String("transport", "", "Override stream.transport from the config file.")
	interval := flag.Duration("interval", 0, "Delay between published records in replay mode.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *transport != "" {
		cfg.Stream.Transport = *transport
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Mode Dispatch ---
	switch *mode {
	case "tail":
		err = runTail(ctx, cfg.Stream, logger)
	case "replay":
		err = runReplay(ctx, cfg.Stream, *interval, logger)
	default:
		fmt.Fprintf(os.Stderr, "Invalid mode: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		logger.Error("ns-tail failed", "mode", *mode, "error", err)
		os.Exit(1)
	}
}

// runTail prints accepted events to stdout. SIGUSR1 toggles pause.
func runTail(ctx context.Context, cfg config.StreamConfig, logger *slog.Logger) error {
	t, err := stream.NewTransport(cfg, logger)
	if err != nil {
		return err
	}

	out := bufio.NewWriter(os.Stdout)
	client := stream.NewClient(t,
		stream.WithLogger(logger),
		stream.WithEventHandler(func(ev model.TrafficEvent) {
			fmt.Fprintf(out, "%s %-8s %15s -> %-15s %8d %-9s %s\n",
				ev.Timestamp.Format(time.RFC3339), ev.Protocol, ev.SourceIP, ev.DestinationIP,
				ev.Bytes, ev.Status, ev.Severity)
			out.Flush()
		}),
		stream.WithStateHandler(func(s model.ConnectionState) {
			logger.Info("Live feed state changed", "state", s)
		}),
	)
	defer client.Close()

	toggle := make(chan os.Signal, 1)
	signal.Notify(toggle, syscall.SIGUSR1)
	defer signal.Stop(toggle)
	go func() {
		for {
			select {
			case <-toggle:
				var err error
				if client.State() == model.Paused {
					err = client.Resume()
				} else {
					err = client.Pause()
				}
				if err != nil {
					logger.Warn("Cannot toggle pause", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	for {
		if err := client.Connect(ctx); err == nil {
			b.Reset()
			select {
			case <-client.Done():
			case <-ctx.Done():
			}
		} else if !errors.Is(err, context.Canceled) {
			logger.Warn("Failed to connect live feed", "error", err)
		}
		if ctx.Err() != nil {
			logger.Info("Shutdown signal received, cleaning up...")
			return nil
		}

		select {
		case <-time.After(b.NextBackOff()):
		case <-ctx.Done():
			return nil
		}
	}
}

// runReplay publishes one record per stdin line until EOF.
func runReplay(ctx context.Context, cfg config.StreamConfig, interval time.Duration, logger *slog.Logger) error {
	pub, err := stream.NewPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	published := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if _, err := model.DecodeTrafficEvent(line); err != nil {
			logger.Warn("Publishing malformed record", "line", published+1, "error", err)
		}
		if err := pub.Publish(ctx, append([]byte(nil), line...)); err != nil {
			return fmt.Errorf("publish record %d: %w", published+1, err)
		}
		published++
		if published%1000 == 0 {
			logger.Info("Records published", "count", published)
		}
		if interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return nil
			}
		}
	}
	logger.Info("Replay finished", "count", published)
	return scanner.Err()
}
