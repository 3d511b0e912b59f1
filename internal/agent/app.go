// Package agent wires the hyposync process together: device identity,
// the peer store, both transports, the sync coordinator, LAN discovery
// and the interactive console.
package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hyposync/hyposync/internal/agent/config"
	"github.com/hyposync/hyposync/internal/devices"
	"github.com/hyposync/hyposync/internal/discovery"
	"github.com/hyposync/hyposync/internal/history"
	"github.com/hyposync/hyposync/internal/logging"
	"github.com/hyposync/hyposync/internal/metrics"
	"github.com/hyposync/hyposync/internal/pairing"
	"github.com/hyposync/hyposync/internal/syncer"
	"github.com/hyposync/hyposync/internal/transport"
)

type App struct {
	config *config.Config
	logger logging.Logger
	met    *metrics.Set

	id   *identity
	db   *sql.DB
	repo devices.Repository

	lan   *transport.Transport
	cloud *transport.Transport
	coord *syncer.Coordinator
	pair  *pairing.Manager
	codes *pairing.CodeClient

	// lanTarget holds the most recent usable LAN endpoint; the LAN
	// transport resolves it on every dial attempt.
	lanTarget atomic.Value

	// lanPeers caches discovery results for the console's pair command.
	mu       sync.Mutex
	lanPeers map[string]pairing.PeerDescriptor

	announcer  *discovery.Announcer
	lanSrv     *lanServer
	metricsSrv *http.Server
}

func NewApp(c *config.Config) (*App, error) {
	ctx := context.Background()

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	id, err := loadOrCreateIdentity(c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading device identity: %w", err)
	}

	repo, db, err := devices.InitDatabase(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	met := metrics.NewSet()

	app := &App{
		config:   c,
		logger:   logger,
		met:      met,
		id:       id,
		db:       db,
		repo:     repo,
		lanPeers: make(map[string]pairing.PeerDescriptor),
	}
	app.lanTarget.Store(c.LANTarget)

	app.lan, err = transport.New(transport.Config{
		Name:        "lan",
		DeviceID:    c.DeviceID,
		Platform:    c.Platform,
		PinSHA256:   c.LANPin,
		LAN:         true,
		IdleTimeout: c.LANIdleTimeout,
	}, transport.Deps{
		Logger:  logger,
		Metrics: met,
		Dial:    app.lanDial,
	})
	if err != nil {
		return nil, err
	}

	app.cloud, err = transport.New(transport.Config{
		Name:         "cloud",
		URL:          c.RelayURL,
		DeviceID:     c.DeviceID,
		Platform:     c.Platform,
		PinSHA256:    c.RelayPin,
		PingInterval: c.CloudPingInterval,
	}, transport.Deps{
		Logger:  logger,
		Metrics: met,
	})
	if err != nil {
		return nil, err
	}

	app.pair = pairing.NewManager(pairing.Config{
		DeviceID:         c.DeviceID,
		DeviceName:       c.DeviceName,
		PrivateKey:       id.Private,
		PublicKey:        id.Public,
		SigningKey:       id.signingKey(),
		AllowUnsignedLAN: true,
	}, repo, logger, nil)
	app.codes = pairing.NewCodeClient(c.RelayAPIURL, logger, nil)

	app.coord, err = syncer.New(syncer.Config{
		DeviceID:       c.DeviceID,
		DeviceName:     c.DeviceName,
		HistoryLimit:   c.HistoryLimit,
		AllowPlaintext: c.AllowPlaintext,
	}, []syncer.Transport{app.lan, app.cloud}, syncer.Deps{
		Repo:        repo,
		Pairing:     app.pair,
		Logger:      logger,
		OnClipboard: app.surfaceClipboard,
	})
	if err != nil {
		return nil, err
	}

	for _, tr := range []*transport.Transport{app.lan, app.cloud} {
		tr.SetHandlers(transport.Handlers{
			Envelope: app.coord.HandleEnvelope,
			Control:  app.coord.HandleControl,
			Raw:      app.coord.HandleRawFrame,
		})
	}

	return app, nil
}

// lanDial resolves the LAN endpoint at dial time, so a peer that moved
// between runs (or was only just discovered) is picked up without
// rebuilding the transport.
func (a *App) lanDial(ctx context.Context) (transport.Conn, time.Duration, error) {
	target, _ := a.lanTarget.Load().(string)
	if target == "" {
		return nil, 0, errors.New("no lan peer known yet")
	}
	dial, err := transport.NewDialer(transport.Config{
		Name:      "lan",
		URL:       target,
		DeviceID:  a.config.DeviceID,
		Platform:  a.config.Platform,
		PinSHA256: a.config.LANPin,
		LAN:       true,
	})
	if err != nil {
		return nil, 0, err
	}
	return dial(ctx)
}

func (a *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (a *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	a.logger.Info(ctx, "starting hyposync agent",
		"device_id", a.config.DeviceID, "device_name", a.config.DeviceName)

	a.initSignalHandler(cancelFunc)

	a.lan.Start()
	a.cloud.Start()
	a.coord.Start()

	a.lanSrv = newLANServer(a)
	if err := a.lanSrv.start(ctx, a.config.LANListen); err != nil {
		a.logger.Warn(ctx, "lan listener failed, inbound lan disabled", "error", err)
		a.lanSrv = nil
	}

	a.startAnnouncer(ctx)
	go a.watchDiscovery(ctx)
	a.startMetrics(ctx)

	// The relay connection comes up in the background; sends queue until
	// it does.
	go func() {
		if err := a.cloud.Connect(ctx); err != nil {
			a.logger.Warn(ctx, "initial relay connect failed", "error", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.console(ctx, cancelFunc)
	}()
	wg.Wait()

	a.shutdown()
}

func (a *App) shutdown() {
	ctx := context.Background()
	a.coord.Close()
	a.lan.Close()
	a.cloud.Close()
	if a.announcer != nil {
		a.announcer.Shutdown()
	}
	if a.lanSrv != nil {
		a.lanSrv.stop()
	}
	if a.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		_ = a.metricsSrv.Shutdown(shutdownCtx)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn(ctx, "closing database", "error", err)
	}
	a.logger.Info(ctx, "agent stopped")
}

func (a *App) startAnnouncer(ctx context.Context) {
	announcer, err := discovery.Announce(discovery.Config{
		Instance:   a.config.DeviceName,
		Port:       a.lanPort(),
		DeviceID:   a.config.DeviceID,
		PublicKey:  a.id.Public,
		SigningKey: a.id.signingPublic(),
		RelayHint:  a.config.RelayURL,
	})
	if err != nil {
		a.logger.Warn(ctx, "mdns announce failed, lan discovery disabled", "error", err)
		return
	}
	a.announcer = announcer
}

// watchDiscovery keeps the LAN target fresh: records from already-paired
// peers update the dial target; everything else is cached for the
// console's pair command.
func (a *App) watchDiscovery(ctx context.Context) {
	peers, err := discovery.Browse(ctx, a.config.DeviceID, a.logger)
	if err != nil {
		a.logger.Warn(ctx, "mdns browse failed, lan discovery disabled", "error", err)
		return
	}
	for desc := range peers {
		a.mu.Lock()
		a.lanPeers[devices.NormalizeID(desc.DeviceID)] = desc
		a.mu.Unlock()

		if desc.Addr == "" {
			continue
		}
		if _, err := a.repo.Get(ctx, desc.DeviceID); err == nil {
			a.lanTarget.Store(desc.Addr)
			a.logger.Info(ctx, "paired peer discovered on lan", "peer", desc.DeviceID, "addr", desc.Addr)
		}
	}
}

func (a *App) startMetrics(ctx context.Context) {
	if a.config.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.met.Registry, promhttp.HandlerOpts{}))
	a.metricsSrv = &http.Server{Addr: a.config.MetricsAddr, Handler: mux}
	go func() {
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn(ctx, "metrics server stopped", "error", err)
		}
	}()
}

// surfaceClipboard is where a platform integration would set the OS
// clipboard. The agent logs the new value's metadata instead.
func (a *App) surfaceClipboard(e *history.Entry) {
	a.logger.Info(context.Background(), "clipboard updated",
		"content_type", e.ContentType, "bytes", e.Length, "origin", e.Origin)
}
