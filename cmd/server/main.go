// Command server runs the Plaible HTTP API: story sessions, chapter charging
// and the credit ledger.
//
// @title                      Plaible API
// @version                    1.0
// @description                Interactive story sessions with per-chapter credit charging.
// @BasePath                   /api/v1
// @securityDefinitions.apikey BearerAuth
// @in                         header
// @name                       Authorization
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/serkancanberk/plaible/internal/analytics"
	"github.com/serkancanberk/plaible/internal/catalog"
	"github.com/serkancanberk/plaible/internal/config"
	"github.com/serkancanberk/plaible/internal/events"
	httpapi "github.com/serkancanberk/plaible/internal/http"
	"github.com/serkancanberk/plaible/internal/narrative"
	"github.com/serkancanberk/plaible/internal/observability"
	"github.com/serkancanberk/plaible/internal/repo"
	"github.com/serkancanberk/plaible/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version string

const purgeEvery = 10 * time.Minute

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := sysutil.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName, sysutil.FirstNonEmpty(version, "dev"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, sysutil.FirstNonEmpty(version, "dev"))
	if err != nil {
		return err
	}

	db, err := repo.Open(cfg.DBDriver, cfg.DSN())
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}

	if c, err := catalog.LoadFile(cfg.CatalogPath); err != nil {
		logger.Warn().Err(err).Str("path", cfg.CatalogPath).Msg("catalog not loaded; serving stored stories")
	} else if n, err := catalog.Seed(ctx, db, c); err != nil {
		return err
	} else {
		logger.Info().Int("stories", n).Msg("catalog seeded")
	}

	var narrator narrative.Generator
	if script, err := narrative.LoadScript(cfg.NarrativeScriptPath); err != nil {
		logger.Warn().Err(err).Str("path", cfg.NarrativeScriptPath).Msg("narrative script not loaded; turns will not be narrated")
	} else {
		logger.Info().Int("passages", script.Len()).Msg("narrative script loaded")
		narrator = &narrative.ScriptGenerator{Script: script}
	}

	bus := events.NewBus(cfg.EventBuffer, events.Metrics(), &analytics.DailyCounter{DB: db})

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{DB: db, Narrator: narrator, Events: bus}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go purgeIdempotency(ctx, db, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("db", cfg.DBDriver).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Events drain after the last request that could publish one; tracing
	// goes last so the other steps' spans are exported.
	return observability.Shutdown(logger.WithContext(shutdownCtx),
		observability.Step{Name: "http", Fn: srv.Shutdown},
		observability.Step{Name: "events", Fn: func(ctx context.Context) error {
			if err := bus.Close(ctx); err != nil {
				return fmt.Errorf("%w (%d events dropped)", err, bus.Dropped())
			}
			return nil
		}},
		observability.Step{Name: "database", Fn: func(context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		}},
		observability.Step{Name: "tracing", Fn: shutdownOTel},
	)
}

// purgeIdempotency deletes expired replay records until ctx is done.
func purgeIdempotency(ctx context.Context, db *gorm.DB, logger zerolog.Logger) {
	t := time.NewTicker(purgeEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db, now.UTC())
			if err != nil {
				logger.Warn().Err(err).Msg("idempotency purge failed")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("deleted", n).Msg("expired idempotency records purged")
			}
		}
	}
}
