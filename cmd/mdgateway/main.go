package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mdgate/mdgate/internal/config"
	"github.com/mdgate/mdgate/internal/distributor"
	"github.com/mdgate/mdgate/internal/gateway"
	"github.com/mdgate/mdgate/pkg/bus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logrus.SetLevel(level)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("configuration failed")
	}

	var pub distributor.Publisher
	if cfg.NATS.URL != "" {
		client, err := bus.Connect(cfg.NATS.URL)
		if err != nil {
			logrus.WithError(err).Fatal("NATS connection failed")
		}
		defer client.Close()
		pub = client
	}

	g, err := gateway.New(cfg, pub)
	if err != nil {
		logrus.WithError(err).Fatal("gateway construction failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := g.Run(ctx); err != nil {
		logrus.WithError(err).Fatal("gateway exited")
	}
	logrus.Info("shutdown complete")
}
