package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	cfhttp "github.com/Strob0t/slotkeeper/internal/adapter/http"
	cfotel "github.com/Strob0t/slotkeeper/internal/adapter/otel"
	"github.com/Strob0t/slotkeeper/internal/adapter/ws"
	"github.com/Strob0t/slotkeeper/internal/config"
	"github.com/Strob0t/slotkeeper/internal/logger"
	"github.com/Strob0t/slotkeeper/internal/middleware"
	"github.com/Strob0t/slotkeeper/internal/resilience"
	"github.com/Strob0t/slotkeeper/internal/secrets"
	"github.com/Strob0t/slotkeeper/internal/service"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		err = runAdmin(os.Args[2:])
	} else {
		err = run(os.Args[1:])
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	cfg, path, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	holder := config.NewHolder(cfg, path)

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"version", version,
		"port", cfg.Server.Port,
		"store", cfg.Store.Backend,
		"idempotency", cfg.Idempotency.Backend,
		"nats", cfg.NATS.URL != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	shutdownOTEL, err := cfotel.Init(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(flushCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---

	inf, err := openInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer inf.Close()

	// --- Services ---

	availSvc := service.NewAvailabilityService(inf.store, inf.cache, cfg.Cache.L2TTL, cfg.Booking.MaxWindow)
	reservationSvc := service.NewReservationService(inf.store, cfg.Booking, metrics)
	reservationSvc.SetInvalidator(availSvc)
	exceptionSvc := service.NewExceptionService(inf.store, cfg.Booking, metrics)
	exceptionSvc.SetInvalidator(availSvc)
	idemSvc := service.NewIdempotencyService(inf.idempotency, cfg.Idempotency, metrics)

	hub := ws.NewHub(wsOriginPattern(cfg.Server.CORSOrigin), log)
	defer hub.CloseAll()

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	breaker.OnStateChange(func(from, to string) {
		slog.Warn("publish breaker state changed", "from", from, "to", to)
	})
	notifier := service.NewNotifierService(inf.store, inf.queue, breaker, hub, availSvc, cfg.Notifier, metrics)
	if inf.queue != nil {
		cancelSub, err := notifier.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("change subscriber: %w", err)
		}
		defer cancelSub()
	}
	notifierDone := make(chan struct{})
	go func() {
		defer close(notifierDone)
		notifier.Run(ctx)
	}()

	sweeper, err := service.NewSweeper(idemSvc, inf.store, cfg.Idempotency.SweepInterval, cfg.Notifier.Retention)
	if err != nil {
		return fmt.Errorf("sweeper: %w", err)
	}
	sweeper.Start()
	defer func() {
		if err := sweeper.Shutdown(); err != nil {
			slog.Warn("sweeper shutdown", "error", err)
		}
	}()

	// --- HTTP ---

	verifier := middleware.NewVerifier(cfg.Auth)
	var vault *secrets.Vault
	if cfg.Auth.SecretFile != "" {
		vault, err = secrets.NewVault(secrets.FileLoader(secrets.JWTSecret, cfg.Auth.SecretFile))
		if err != nil {
			return fmt.Errorf("jwt secret: %w", err)
		}
		verifier.SetSecretSource(vault.Source(secrets.JWTSecret))
	}
	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopCleanup()

	handlers := &cfhttp.Handlers{
		Reservations: reservationSvc,
		Exceptions:   exceptionSvc,
		Availability: availSvc,
		Ready:        inf.Ready,
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(cfotel.HTTPMiddleware(cfg.OTEL.ServiceName))
	r.Use(cfhttp.Logger)
	r.Use(cfhttp.SecurityHeaders)
	r.Use(cfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.Claims(verifier))
	r.Use(limiter.Handler)
	r.Use(unlessUpgrade(chimw.Timeout(cfg.Server.RequestTimeout)))

	cfhttp.MountRoutes(r, handlers, hub.HandleWS, middleware.Idempotency(idemSvc))

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-serveErr:
			if err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			break loop
		case <-hup:
			if err := holder.Reload(); err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}
			logger.SetLevel(holder.Get().Logging.Level)
			if vault != nil {
				if err := vault.Reload(); err != nil {
					slog.Error("secret reload failed", "error", err)
				}
			}
			slog.Info("config reloaded", "log_level", holder.Get().Logging.Level)
		}
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	stop()
	<-notifierDone
	return err
}

// unlessUpgrade applies mw to every request except WebSocket upgrades, which
// outlive any request deadline.
func unlessUpgrade(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		wrapped := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") != "" {
				next.ServeHTTP(w, r)
				return
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}

// wsOriginPattern converts the CORS origin into a host pattern for the
// WebSocket origin check. "*" and unparsable values accept any origin.
func wsOriginPattern(origin string) string {
	if origin == "" || origin == "*" {
		return ""
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Host
}
