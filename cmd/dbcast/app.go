package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/dbcast/internal/config"
	"github.com/rmacdonaldsmith/dbcast/internal/dispatcher"
	"github.com/rmacdonaldsmith/dbcast/internal/healthsrv"
	"github.com/rmacdonaldsmith/dbcast/internal/httpapi"
	"github.com/rmacdonaldsmith/dbcast/internal/identity"
	"github.com/rmacdonaldsmith/dbcast/internal/ingest"
	"github.com/rmacdonaldsmith/dbcast/internal/ratelimit"
	"github.com/rmacdonaldsmith/dbcast/internal/transport"
)

// app owns every long-lived component of the broker.
type app struct {
	cfg *config.Config
	log *zap.Logger

	limiter    *ratelimit.Limiter
	hub        *transport.Hub
	auth       *identity.JWTAuth
	dispatcher *dispatcher.RoutingDispatcher
	ws         *transport.Server
	http       *httpapi.Server
	health     *healthsrv.Server
	nats       *ingest.NATSSource
	postgres   *ingest.PostgresListener

	httpLis   net.Listener
	healthLis net.Listener
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger}

	a.limiter = ratelimit.New(ratelimit.Config{
		Window: cfg.RateLimit.Window,
		Logger: logger.Named("ratelimit"),
	})
	a.hub = transport.NewHub(logger.Named("hub"))
	a.auth = identity.NewJWTAuth(cfg.Auth.JWTSecret, identity.WithTTL(cfg.Auth.TokenTTL))

	dcfg := dispatcher.NewConfig().
		WithLimits(cfg.RateLimit.SubscribeLimit, cfg.RateLimit.PublishLimit).
		WithWindow(cfg.RateLimit.Window).
		WithLimiter(a.limiter).
		WithLogger(logger.Named("dispatcher"))
	d, err := dispatcher.New(dcfg, a.auth, a.hub)
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}
	a.dispatcher = d

	var origins []string
	if cfg.Server.CORSOrigin != "" {
		origins = []string{cfg.Server.CORSOrigin}
	}
	a.ws, err = transport.NewServer(transport.Config{
		PingInterval:   cfg.WebSocket.PingInterval,
		PongWait:       cfg.WebSocket.PongWait,
		WriteWait:      cfg.WebSocket.WriteWait,
		ReadLimit:      cfg.WebSocket.ReadLimit,
		SendBuffer:     cfg.WebSocket.SendBuffer,
		AllowedOrigins: origins,
		Logger:         logger.Named("websocket"),
	}, a.hub, d)
	if err != nil {
		return nil, fmt.Errorf("create websocket server: %w", err)
	}

	a.http = httpapi.NewServer(httpapi.Config{
		ListenAddr:  cfg.Server.ListenAddr,
		CORSOrigin:  cfg.Server.CORSOrigin,
		Version:     version,
		Environment: cfg.Server.Environment,
		Logger:      logger.Named("http"),
	}, httpapi.Deps{
		Dispatcher: d,
		Verifier:   a.auth,
		Hub:        a.hub,
		WebSocket:  a.ws,
	})

	if cfg.GRPC.HealthAddr != "" {
		a.health = healthsrv.New(cfg.GRPC.HealthAddr, logger.Named("health"))
	}

	handler := ingest.NewHandler(d, ingest.DefaultSubjectID, logger.Named("ingest"))
	if cfg.Ingest.NATS.Enabled {
		a.nats = ingest.NewNATSSource(ingest.NATSConfig{
			URL:     cfg.Ingest.NATS.URL,
			Subject: cfg.Ingest.NATS.Subject,
			Queue:   cfg.Ingest.NATS.Queue,
		}, handler, logger.Named("ingest.nats"))
	}
	if cfg.Ingest.Postgres.Enabled {
		a.postgres, err = ingest.NewPostgresListener(ingest.PostgresConfig{
			ConnString: cfg.Ingest.Postgres.ConnString,
			Channel:    cfg.Ingest.Postgres.Channel,
			MaxBackoff: cfg.Ingest.Postgres.MaxBackoff,
		}, handler, logger.Named("ingest.postgres"))
		if err != nil {
			return nil, fmt.Errorf("create postgres listener: %w", err)
		}
	}

	return a, nil
}

// Start binds listeners and launches every component. Fatal runtime errors
// are sent on the returned channel.
// Anything already started is released when a later step fails.
func (a *app) Start(ctx context.Context) (_ <-chan error, err error) {
	ctx, a.cancel = context.WithCancel(ctx)
	errCh := make(chan error, 4)
	defer func() {
		if err != nil {
			a.abort()
		}
	}()

	if err := a.dispatcher.Start(ctx); err != nil {
		return nil, fmt.Errorf("start dispatcher: %w", err)
	}

	lis, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.httpLis = lis
	a.goRun(errCh, func() error { return a.http.Serve(lis) })

	if a.health != nil {
		hl, err := a.health.Listen()
		if err != nil {
			return nil, fmt.Errorf("listen for health checks: %w", err)
		}
		a.healthLis = hl
		a.goRun(errCh, func() error { return a.health.Serve(hl) })
	}

	if a.nats != nil {
		if err := a.nats.Start(ctx); err != nil {
			return nil, fmt.Errorf("start nats ingest: %w", err)
		}
	}
	if a.postgres != nil {
		a.goRun(errCh, func() error {
			if err := a.postgres.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("postgres ingest: %w", err)
			}
			return nil
		})
	}

	if a.health != nil {
		a.health.SetServing(true)
	}
	return errCh, nil
}

// abort undoes a partial Start.
func (a *app) abort() {
	stopped, stop := context.WithCancel(context.Background())
	stop()

	a.cancel()
	if a.httpLis != nil {
		_ = a.http.Stop(stopped)
		_ = a.httpLis.Close()
	}
	if a.healthLis != nil {
		a.health.Stop(stopped)
	}
	if a.nats != nil {
		_ = a.nats.Close()
	}
	a.wg.Wait()
	_ = a.dispatcher.Stop(stopped)
}

func (a *app) goRun(errCh chan<- error, fn func() error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := fn(); err != nil {
			errCh <- err
		}
	}()
}

// HTTPAddr returns the bound HTTP address.
func (a *app) HTTPAddr() string {
	if a.httpLis != nil {
		return a.httpLis.Addr().String()
	}
	return a.cfg.Server.ListenAddr
}

// HealthAddr returns the bound gRPC health address, or "" when disabled.
func (a *app) HealthAddr() string {
	if a.healthLis != nil {
		return a.healthLis.Addr().String()
	}
	return ""
}

// Shutdown stops intake first, then drains sockets and servers.
func (a *app) Shutdown(ctx context.Context) error {
	var errs []error

	if a.health != nil {
		a.health.SetServing(false)
	}
	if err := a.dispatcher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop dispatcher: %w", err))
	}
	if a.nats != nil {
		if err := a.nats.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.ws.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close websockets: %w", err))
	}
	if err := a.http.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop http server: %w", err))
	}
	if a.health != nil {
		a.health.Stop(ctx)
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if err := a.dispatcher.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.limiter.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
