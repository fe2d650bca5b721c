package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"Go2NetSentry/internal/api"
	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/engine"
	"Go2NetSentry/internal/logging"
	"Go2NetSentry/internal/metrics"
	"Go2NetSentry/internal/model"
	"Go2NetSentry/internal/source"
	"Go2NetSentry/internal/stream"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	logging.SetDefault(logger)
	logger.Info("Configuration loaded", "path", *configPath, "source", cfg.Source.Type, "transport", cfg.Stream.Transport)

	// 2. Build the snapshot source and the live feed transport
	src, err := source.New(cfg.Source, logger)
	if err != nil {
		logger.Error("Failed to create snapshot source", "error", err)
		os.Exit(1)
	}
	transport, err := stream.NewTransport(cfg.Stream, logger)
	if err != nil {
		src.Close()
		logger.Error("Failed to create stream transport", "error", err)
		os.Exit(1)
	}

	// 3. Wire the engine to the live websocket hub
	reg := metrics.Get()
	hub := api.NewHub(logger, reg)
	eng, err := engine.New(cfg, src, transport,
		engine.WithRegistry(reg),
		engine.WithLogger(logger),
		engine.WithEventObserver(func(ev model.TrafficEvent) { hub.Publish(api.TopicTraffic, ev) }),
		engine.WithStateObserver(func(s model.ConnectionState) {
			hub.Publish(api.TopicState, api.StateResponse{State: s})
		}),
		engine.WithMetricsObserver(func(m model.MetricsSnapshot) { hub.Publish(api.TopicMetrics, m) }),
	)
	if err != nil {
		src.Close()
		logger.Error("Failed to create engine", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		logger.Error("Failed to start engine", "error", err)
		os.Exit(1)
	}

	// 4. Run gRPC server
	grpcServer := grpc.NewServer()
	api.RegisterDashboardServer(grpcServer, api.NewDashboardServer(eng, logger))

	lis, err := net.Listen("tcp", cfg.API.GrpcListenAddr)
	if err != nil {
		eng.Stop()
		logger.Error("Failed to listen", "addr", cfg.API.GrpcListenAddr, "error", err)
		os.Exit(1)
	}
	go func() {
		logger.Info("gRPC server starting", "addr", cfg.API.GrpcListenAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", "error", err)
		}
	}()

	// 5. Run HTTP server
	httpServer := &http.Server{
		Addr:              cfg.API.HttpListenAddr,
		Handler:           api.NewHTTPHandler(eng, hub, reg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server starting", "addr", cfg.API.HttpListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	// 6. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown signal received, stopping servers...")

	grpcServer.GracefulStop()
	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}

	eng.Stop()
	logger.Info("Shutdown complete.")
}
