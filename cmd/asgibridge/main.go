// Package main is the entry point for the asgibridge gateway.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/asgibridge/asgibridge/internal/channels"
	"github.com/asgibridge/asgibridge/internal/config"
	"github.com/asgibridge/asgibridge/internal/gateway"
	"github.com/asgibridge/asgibridge/internal/metrics"
	"github.com/asgibridge/asgibridge/internal/replypump"
)

func main() {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	configPath := "config.yaml"
	if _, err := os.Stat(configPath); err != nil {
		configPath = ""
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Fatal("loading config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The reply pump gets its own dedicated Redis connection: it runs a
	// tight non-blocking poll loop and must never contend with the
	// request pipeline's borrowed connections for a slot.
	pumpClient := channels.Dial(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err := pumpClient.Ping(ctx).Err(); err != nil {
		log.WithError(err).Fatal("connecting to redis (reply pump)")
	}
	m := metrics.New()

	pumpLayer := channels.NewRedisLayer(pumpClient, cfg.Redis.Prefix, cfg.Redis.MsgExpiry, cfg.Redis.BlpopTimeout, cfg.Redis.MaxChannelCapacity).
		WithMetrics(m.ChannelSends, m.ChannelReceives)

	// The request pipeline gets a pool of borrowable connections over a
	// second, separate client.
	poolClient := channels.Dial(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err := poolClient.Ping(ctx).Err(); err != nil {
		log.WithError(err).Fatal("connecting to redis (request pool)")
	}
	poolLayer := channels.NewRedisLayer(poolClient, cfg.Redis.Prefix, cfg.Redis.MsgExpiry, cfg.Redis.BlpopTimeout, cfg.Redis.MaxChannelCapacity).
		WithMetrics(m.ChannelSends, m.ChannelReceives)
	pool := channels.NewPool(poolLayer, int64(cfg.Redis.PoolSize))

	pump := replypump.New(ctx, pumpLayer, log, m.ReplyPumpPending)
	defer pump.Shutdown()

	srv := gateway.New(cfg.Server, pool, pump, m, log)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.WithField("addr", cfg.Server.Addr).Info("gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if metricsServer != nil {
		group.Go(func() error {
			log.WithField("addr", cfg.Metrics.Addr).Info("metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		if metricsServer != nil {
			metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		log.WithError(err).Fatal("gateway exited with error")
	}
}
