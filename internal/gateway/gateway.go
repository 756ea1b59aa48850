// Package gateway assembles the gateway process: one adapter per configured
// broker, the distributor between them and the clients, and the HTTP
// surface that upgrades websocket sessions. It also runs the two
// maintenance timers that keep upstream subscriptions converged and dead
// adapters retrying.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdgate/mdgate/internal/adapter"
	"github.com/mdgate/mdgate/internal/config"
	"github.com/mdgate/mdgate/internal/distributor"
	"github.com/mdgate/mdgate/internal/feed"
	"github.com/mdgate/mdgate/internal/feed/binance"
	"github.com/mdgate/mdgate/internal/feed/sim"
	"github.com/mdgate/mdgate/internal/metrics"
	"github.com/mdgate/mdgate/internal/session"
	"github.com/mdgate/mdgate/pkg/md"
)

// Gateway is the process singleton wiring adapters, distributor and the
// client listener together.
type Gateway struct {
	cfg  *config.Config
	log  *logrus.Entry
	dist *distributor.Distributor

	adapters map[md.Source]*adapter.Adapter
	srv      *http.Server
}

// New builds the gateway from configuration. pub may be nil to disable
// snapshot republishing.
func New(cfg *config.Config, pub distributor.Publisher) (*Gateway, error) {
	g := &Gateway{
		cfg:      cfg,
		log:      logrus.WithField("component", "gateway"),
		dist:     distributor.New(pub),
		adapters: make(map[md.Source]*adapter.Adapter),
	}

	for i := range cfg.Brokers {
		b := &cfg.Brokers[i]
		source := md.Source(b.Source)
		if _, dup := g.adapters[source]; dup {
			return nil, fmt.Errorf("broker %s: source %s already served", b.Name, source)
		}
		a := adapter.New(adapter.Config{
			Name:      b.Name,
			Source:    source,
			FrontAddr: b.FrontAddr,
			BrokerID:  b.BrokerID,
			UserID:    b.UserID,
			Password:  b.Password,
			Normalize: normalizerFor(source),
			NewDriver: driverFactory(b),
		}, g.dist)
		g.adapters[source] = a
		g.dist.RegisterUpstream(source, a)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/market", g.wsHandler(md.SourceCTP))
	mux.HandleFunc("/ws/qq/market", g.wsHandler(md.SourceQQ))
	mux.HandleFunc("/ws/sina/market", g.wsHandler(md.SourceSina))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", g.healthz)
	g.srv = &http.Server{Addr: cfg.Server.Addr(), Handler: mux}

	return g, nil
}

// driverFactory picks the feed implementation for a broker entry. The
// simulator is the default.
func driverFactory(b *config.BrokerConfig) func() feed.Driver {
	switch b.Driver {
	case "binance":
		return func() feed.Driver { return binance.New() }
	default:
		return func() feed.Driver { return sim.New() }
	}
}

// normalizerFor maps a source kind to its id normalization: the futures
// feed only strips exchange prefixes, the equity feeds also pad numeric
// codes.
func normalizerFor(source md.Source) adapter.Normalizer {
	if source == md.SourceCTP {
		return adapter.NormalizeFutures
	}
	return adapter.NormalizeEquity
}

// Run serves until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	g.dist.Start()
	defer g.dist.Stop()

	for _, a := range g.adapters {
		a.Start()
	}
	defer func() {
		for _, a := range g.adapters {
			a.Stop()
		}
	}()

	g.applyDefaultSubscriptions()

	tickCtx, cancelTicks := context.WithCancel(ctx)
	defer cancelTicks()
	go g.reconcileLoop(tickCtx)
	go g.restartLoop(tickCtx)

	errCh := make(chan error, 1)
	go func() {
		g.log.WithField("addr", g.srv.Addr).Info("listening")
		errCh <- g.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.srv.Shutdown(shutdownCtx); err != nil {
		g.log.WithError(err).Warn("shutdown incomplete")
	}
	return nil
}

// applyDefaultSubscriptions seeds each adapter with the instruments
// configured to flow before any client asks.
func (g *Gateway) applyDefaultSubscriptions() {
	for sourceName, codes := range g.cfg.Subscriptions {
		source := md.Source(sourceName)
		a, ok := g.adapters[source]
		if !ok {
			g.log.WithField("source", sourceName).Warn("default subscriptions for unconfigured source")
			continue
		}
		if len(codes) > 0 {
			a.Subscribe(codes)
		}
	}
}

// reconcileLoop periodically converges each adapter's desired set onto the
// union of client demand and configured defaults.
func (g *Gateway) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Server.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.reconcile()
		}
	}
}

func (g *Gateway) reconcile() {
	demand := g.dist.AllSubscriptions()

	for source, a := range g.adapters {
		target := make(map[string]struct{})
		for _, code := range g.cfg.Subscriptions[string(source)] {
			target[a.Normalize(code)] = struct{}{}
		}
		for _, code := range demand[source] {
			target[a.Normalize(code)] = struct{}{}
		}

		current := make(map[string]struct{})
		for _, code := range a.Subscriptions() {
			current[code] = struct{}{}
		}

		var missing, extra []string
		for code := range target {
			if _, ok := current[code]; !ok {
				missing = append(missing, code)
			}
		}
		for code := range current {
			if _, ok := target[code]; !ok {
				extra = append(extra, code)
			}
		}

		if len(missing) > 0 {
			g.log.WithFields(logrus.Fields{"adapter": a.Name(), "count": len(missing)}).
				Info("reconcile: subscribing missing instruments")
			a.Subscribe(missing)
		}
		if len(extra) > 0 {
			g.log.WithFields(logrus.Fields{"adapter": a.Name(), "count": len(extra)}).
				Info("reconcile: releasing unreferenced instruments")
			a.Unsubscribe(extra)
		}
	}
}

// restartLoop retries adapters that are not logged in. Healthy adapters are
// left alone.
func (g *Gateway) restartLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Server.RestartInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, a := range g.adapters {
				if a.State() != adapter.StateLoggedIn {
					g.log.WithField("adapter", a.Name()).Warn("adapter unhealthy, restarting")
					a.Restart()
				}
			}
		}
	}
}

// wsHandler upgrades a client connection for the given default source. A
// source query parameter overrides the path's default, which keeps the
// single legacy endpoint usable for all feeds.
func (g *Gateway) wsHandler(defaultSource md.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source := defaultSource
		if q := r.URL.Query().Get("source"); q != "" {
			parsed, err := md.ParseSource(q)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			source = parsed
		}

		conn, err := session.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.log.WithError(err).Warn("websocket upgrade failed")
			return
		}

		sess := session.New(conn, session.Config{
			Source:     source,
			Broker:     g.dist,
			Normalize:  normalizerFor(source),
			OutboxSize: g.cfg.Server.OutboxSize,
		})
		g.dist.Register(sess)
		go sess.Run()
	}
}

func (g *Gateway) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}
