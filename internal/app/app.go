// Package app builds the long-lived services of the linkback service from
// configuration and runs its HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkback/internal/api"
	"github.com/JakeFAU/linkback/internal/catalog"
	"github.com/JakeFAU/linkback/internal/client"
	pingbackclient "github.com/JakeFAU/linkback/internal/client/pingback"
	trackbackclient "github.com/JakeFAU/linkback/internal/client/trackback"
	"github.com/JakeFAU/linkback/internal/clock/system"
	"github.com/JakeFAU/linkback/internal/config"
	collyfetcher "github.com/JakeFAU/linkback/internal/fetcher/colly"
	"github.com/JakeFAU/linkback/internal/id/uuid"
	"github.com/JakeFAU/linkback/internal/linkback"
	"github.com/JakeFAU/linkback/internal/logging"
	"github.com/JakeFAU/linkback/internal/metrics"
	"github.com/JakeFAU/linkback/internal/policy/ratelimit"
	"github.com/JakeFAU/linkback/internal/server"
	pingbackserver "github.com/JakeFAU/linkback/internal/server/pingback"
	trackbackserver "github.com/JakeFAU/linkback/internal/server/trackback"
	"github.com/JakeFAU/linkback/internal/site"
	"github.com/JakeFAU/linkback/internal/storage/memory"
	"github.com/JakeFAU/linkback/internal/storage/postgres"
)

const readHeaderTimeout = 5 * time.Second

// App holds the shared services. It is built once at startup.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	db        *postgres.DB
	backlinks linkback.InboundStore
	attempts  linkback.AttemptStore
	catalog   *catalog.Catalog
	client    *client.Client
	api       *api.Server
}

// New wires every service described by cfg. With no database DSN the
// stores live in memory.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	if err := a.openStores(ctx); err != nil {
		return nil, err
	}

	cat, err := buildCatalog(cfg.Resources)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.catalog = cat

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      cfg.FetchTimeout(),
		MaxReadBytes: cfg.Fetch.MaxReadBytes,
		Limiter: ratelimit.New(ratelimit.Config{
			PerHostRPS: cfg.Fetch.PerHostRPS,
			Burst:      cfg.Fetch.Burst,
		}),
	})
	resolver := site.NewResolver(cfg.Site.Origin, cfg.Site.AllowedHosts...)
	clock := system.New()
	ids := uuid.New()

	inbound := server.Deps{
		Store:           a.backlinks,
		Fetcher:         fetcher,
		Site:            resolver,
		Clock:           clock,
		IDs:             ids,
		Logger:          logger,
		MaxExcerptWords: cfg.Backlinks.MaxExcerptWords,
		OnRejected:      a.logRejection,
	}
	pb, tb, err := buildServers(cat, inbound, cfg.Pingback)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.client, err = client.New(buildAdapters(cfg.Client.Protocols, fetcher, logger), client.Deps{
		Fetcher:         fetcher,
		Attempts:        a.attempts,
		Site:            resolver,
		Sources:         cat,
		Clock:           clock,
		IDs:             ids,
		Logger:          logger,
		MaxExcerptWords: cfg.Backlinks.MaxExcerptWords,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build outbound client: %w", err)
	}

	a.api, err = api.NewServer(api.Deps{
		Pingback:  pb,
		Trackback: tb,
		Backlinks: a.backlinks,
		Attempts:  a.attempts,
		Client:    a.client,
		Catalog:   cat,
		Ready:     a.ready,
		Auth:      cfg.Auth,
		Logger:    logger.Named("api"),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build api: %w", err)
	}

	logger.Info("application services initialized",
		zap.Bool("postgres", a.db != nil),
		zap.Strings("resource_kinds", cat.Kinds()),
		zap.Strings("protocols", cfg.Client.Protocols),
	)
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("using in-memory stores; records are lost on restart")
		a.backlinks = memory.NewBacklinkStore()
		a.attempts = memory.NewAttemptStore()
		return nil
	}
	db, err := postgres.Open(ctx, postgres.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime(),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if a.cfg.DB.Migrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return fmt.Errorf("migrate database: %w", err)
		}
	}
	a.db = db
	a.backlinks = db.Backlinks()
	a.attempts = db.Attempts()
	return nil
}

func buildCatalog(resources []config.ResourceConfig) (*catalog.Catalog, error) {
	sections := make([]*catalog.Section, 0, len(resources))
	for _, r := range resources {
		s, err := catalog.NewSection(r.Kind, r.Pattern, r.Closed...)
		if err != nil {
			return nil, err
		}
		sections = append(sections, s)
	}
	return catalog.New(sections...)
}

func buildServers(
	cat *catalog.Catalog,
	deps server.Deps,
	cfg config.PingbackConfig,
) (*pingbackserver.Server, *trackbackserver.Server, error) {
	pbRegistry := pingbackserver.NewRegistry(nil)
	tbRegistry := trackbackserver.NewRegistry()
	for _, s := range cat.Sections() {
		if err := pbRegistry.Add(s, s.Pattern()); err != nil {
			return nil, nil, err
		}
		if err := tbRegistry.Add(s); err != nil {
			return nil, nil, err
		}
	}
	pb, err := pingbackserver.New(pbRegistry, deps, pingbackserver.Config{
		Path:        cfg.Path,
		AbsoluteURI: cfg.AbsoluteURI,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build pingback server: %w", err)
	}
	tb, err := trackbackserver.New(tbRegistry, deps)
	if err != nil {
		return nil, nil, fmt.Errorf("build trackback server: %w", err)
	}
	return pb, tb, nil
}

// buildAdapters returns the protocol clients in the configured order.
// Unknown names are rejected by config validation.
func buildAdapters(protocols []string, fetcher linkback.Fetcher, logger *zap.Logger) []client.Adapter {
	adapters := make([]client.Adapter, 0, len(protocols))
	for _, p := range protocols {
		switch p {
		case pingbackclient.Protocol:
			adapters = append(adapters, pingbackclient.New(fetcher, logger))
		case trackbackclient.Protocol:
			adapters = append(adapters, trackbackclient.New(fetcher, logger))
		}
	}
	return adapters
}

func (a *App) logRejection(ctx context.Context, r server.Rejection) {
	fields := []zap.Field{
		zap.String("protocol", r.Protocol),
		zap.String("source", r.SourceURI),
		zap.String("target", r.TargetURI),
		zap.String("title", r.Title),
		zap.Error(r.Reason),
	}
	if r.Target != nil {
		fields = append(fields, zap.Stringer("target_ref", r.Target))
	}
	logging.FromContext(ctx, a.logger).Info("inbound ping rejected", fields...)
}

func (a *App) ready(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.Ping(ctx)
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Client returns the outbound ping orchestrator.
func (a *App) Client() *client.Client { return a.client }

// Backlinks returns the inbound backlink store.
func (a *App) Backlinks() linkback.InboundStore { return a.backlinks }

// Attempts returns the outbound attempt store.
func (a *App) Attempts() linkback.AttemptStore { return a.attempts }

// Handler returns the HTTP handler of the service.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Run listens on the configured port and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is done, then drains in-flight requests
// for at most the configured shutdown timeout.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	a.logger.Info("shutdown complete")
	return nil
}

// Close releases the database pool and flushes the logger.
func (a *App) Close() {
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
