package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxmeet/sfu/internal/banner"
	"github.com/voxmeet/sfu/internal/bus"
	"github.com/voxmeet/sfu/internal/config"
	"github.com/voxmeet/sfu/internal/logger"
	"github.com/voxmeet/sfu/internal/mcs"
	"github.com/voxmeet/sfu/internal/sfu"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.Init(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("SFU Session Core", []banner.ConfigLine{
		{Label: "Bus", Value: cfg.BusAddr},
		{Label: "MCS", Value: cfg.MCSAddr},
		{Label: "Metrics", Value: cfg.MetricsAddr},
		{Label: "Audio channel", Value: cfg.FromAudioChannel},
		{Label: "Video channel", Value: cfg.FromVideoChannel},
		{Label: "Log level", Value: logger.GetLevel()},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	busClient, err := bus.NewClient(ctx, bus.Config{
		Addr:                 cfg.BusAddr,
		Password:             cfg.BusPassword,
		DB:                   cfg.BusDB,
		ToClientChannel:      cfg.ToClientChannel,
		MeetingEventsChannel: cfg.MeetingEventsChannel,
	})
	if err != nil {
		slog.Error("Failed to connect to message bus", "error", err)
		os.Exit(1)
	}
	defer busClient.Close()

	mcsConfig := mcs.DefaultClientConfig()
	mcsConfig.URL = cfg.MCSAddr
	mcsClient := mcs.NewClient(mcsConfig)
	defer mcsClient.Close()

	oracle := bus.NewRedisOracle(busClient)
	registry := sfu.NewBridgeRegistry(mcsClient)
	sources := sfu.NewSourceRegistry()

	audio := sfu.NewManager(sfu.ManagerParams{
		Mode:     sfu.ModeAudio,
		Config:   cfg,
		Server:   mcsClient,
		Frames:   busClient,
		Events:   busClient,
		Oracle:   oracle,
		Registry: registry,
		Sources:  sources,
	})
	video := sfu.NewManager(sfu.ManagerParams{
		Mode:     sfu.ModeVideo,
		Config:   cfg,
		Server:   mcsClient,
		Frames:   busClient,
		Events:   busClient,
		Oracle:   oracle,
		Registry: registry,
		Sources:  sources,
	})

	busClient.SubscribeMessages(ctx, cfg.FromAudioChannel, audio.OnMessage)
	busClient.SubscribeMessages(ctx, cfg.FromVideoChannel, video.OnMessage)

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics server error", "error", err)
		}
	}()

	slog.Info("SFU core started",
		"bus", cfg.BusAddr,
		"mcs", cfg.MCSAddr,
		"metrics", cfg.MetricsAddr,
		"audio_channel", cfg.FromAudioChannel,
		"video_channel", cfg.FromVideoChannel,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)

	cancel()
	audio.Close()
	video.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}
