package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/sessions"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/brickworks/sitegate/internal/api"
	"github.com/brickworks/sitegate/internal/audit"
	"github.com/brickworks/sitegate/internal/auth"
	"github.com/brickworks/sitegate/internal/broker"
	"github.com/brickworks/sitegate/internal/config"
	"github.com/brickworks/sitegate/internal/database"
	"github.com/brickworks/sitegate/internal/database/sqliteconfig"
	"github.com/brickworks/sitegate/internal/directory"
	"github.com/brickworks/sitegate/internal/middleware"
	"github.com/brickworks/sitegate/internal/tasks"
	"github.com/brickworks/sitegate/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the impersonation broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func runServe(ctx context.Context, cfg *config.Config) error {
	db, err := database.OpenWithConfig(sqliteConfigFrom(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	requestStore := database.NewRequestStore(db)
	sessionStore := database.NewSessionStore(db)
	auditStore := database.NewAuditStore(db)
	directoryStore := database.NewDirectoryStore(db)

	checks := directory.NewChecks(directoryStore)
	auditor := audit.NewEmitter(auditStore)
	hub := ws.NewHub(cfg.Broker.SendQueueSize)

	taskClient := tasks.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer taskClient.Close()
	offline := tasks.NewOfflineDispatcher(taskClient)

	sessionSvc := broker.NewSessions(db, sessionStore, checks, auditor, hub)
	requestSvc := broker.NewRequests(db, requestStore, sessionSvc, checks, auditor, hub, offline)

	verifier := auth.NewDirectoryVerifier(directoryStore)
	authmw := auth.NewMiddleware(verifier, cookieStore(cfg), cfg.Session.CookieName)

	wsHandler := ws.NewHandler(hub, verifier, requestSvc, sessionSvc)
	handlers := api.NewHandlers(requestSvc, sessionSvc, auditStore, checks)
	router := api.NewRouter(handlers, authmw, wsHandler, middleware.DefaultCORSConfig())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := broker.NewSweeper(requestSvc, sessionSvc, cfg.Broker.SweepInterval)
	go sweeper.Run(ctx)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Broker listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

func sqliteConfigFrom(cfg *config.Config) *sqliteconfig.Config {
	dbCfg := sqliteconfig.Default(cfg.Database.Path)
	if !cfg.Database.WriteAheadLog {
		dbCfg.JournalMode = sqliteconfig.JournalModeDelete
	}
	if cfg.Database.WALAutoCheckPoint > 0 {
		dbCfg.WALAutocheckpoint = cfg.Database.WALAutoCheckPoint
	}
	return dbCfg
}

// cookieStore builds the dashboard session store, nil when no keys are
// configured so the API falls back to token-only auth.
func cookieStore(cfg *config.Config) sessions.Store {
	if config.ValidateSessionKeys() != nil {
		log.Warn().Msg("Session keys missing or invalid, cookie auth disabled")
		return nil
	}
	store := sessions.NewCookieStore(
		[]byte(cfg.Session.AuthenticationKey),
		[]byte(cfg.Session.EncryptionKey),
	)
	store.Options.HttpOnly = true
	store.Options.SameSite = http.SameSiteLaxMode
	store.MaxAge(int(cfg.Session.CookieExpiry.Seconds()))
	return store
}
