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

	"github.com/servicedesk/authcore/internal/auth"
	"github.com/servicedesk/authcore/internal/config"
	"github.com/servicedesk/authcore/internal/database"
	"github.com/servicedesk/authcore/internal/delivery"
	"github.com/servicedesk/authcore/internal/email"
	"github.com/servicedesk/authcore/internal/handler"
	"github.com/servicedesk/authcore/internal/logger"
	"github.com/servicedesk/authcore/internal/middleware"
	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/repository"
	"github.com/servicedesk/authcore/internal/repository/memory"
	"github.com/servicedesk/authcore/internal/router"
	"github.com/servicedesk/authcore/internal/service"
)

// stores groups the persistence backends selected by configuration.
type stores struct {
	accounts    repository.AccountStore
	sessions    repository.SessionStore
	challenges  repository.ChallengeStore
	events      repository.EventStore
	history     repository.PasswordHistoryStore
	permissions repository.PermissionStore
	keys        repository.KeyStore
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", handler.Version).Str("store", cfg.Store.Driver).Msg("starting authcore server")

	ctx := context.Background()

	var db *database.Postgres
	if cfg.Store.Driver == "postgres" {
		db, err = database.NewPostgres(cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		log.Info().Msg("connected to PostgreSQL")
	}

	var rdb *database.Redis
	if cfg.Redis.Enabled {
		rdb, err = database.NewRedis(cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer rdb.Close()
		log.Info().Msg("connected to Redis")
	}

	st, err := openStores(cfg, db, rdb)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize stores")
	}

	clock := service.SystemClock{}
	settings := config.NewSettings(cfg.Security)

	// Signing keys must be loaded before any session is issued
	keySvc := service.NewKeyService(st.keys, cfg.Security.Tokens.KeyRotationPeriod, clock, log)
	if err := keySvc.Initialize(ctx, cfg.Security.Tokens.SigningAlgorithm); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize key service")
	}
	kid, alg, _, _ := keySvc.SigningKey()
	log.Info().Str("algorithm", alg).Str("active_key_id", kid).Msg("key service initialized")
	tokenSvc := auth.NewTokenService(cfg.Security.Tokens.Issuer, keySvc, clock.Now)

	resolver, err := service.LoadPermissionResolver(ctx, st.permissions)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load permission table")
	}
	if !resolver.KnownRole(model.RoleAdmin) {
		log.Warn().Msg("permission table has no admin grants, run `migrate seed-rbac`")
	}

	codes, err := newCodeDelivery(ctx, cfg, rdb, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize code delivery")
	}

	// Initialize services
	eventSvc := service.NewSecurityEventService(st.events, clock, log)
	lockout := service.NewLockoutTracker(st.accounts, eventSvc, settings, clock, log)
	mfaSvc := service.NewMFAService(st.challenges, st.accounts, codes, eventSvc, cfg.MFA, clock, log)
	sessionSvc := service.NewSessionService(st.sessions, st.accounts, tokenSvc, eventSvc, settings, rdb, clock, log)
	authSvc := service.NewAuthService(st.accounts, st.history, lockout, mfaSvc, sessionSvc, eventSvc, settings, clock, log)
	adminSvc := service.NewAdminService(st.accounts, st.history, lockout, sessionSvc, resolver, eventSvc, settings, clock, log)

	if err := bootstrapAdmin(ctx, cfg.Bootstrap, st.accounts, adminSvc, log); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap administrator")
	}

	// Initialize handlers
	h := handler.New(db, rdb, log, cfg, handler.Services{
		Auth:     authSvc,
		Sessions: sessionSvc,
		MFA:      mfaSvc,
		Admin:    adminSvc,
		Keys:     keySvc,
		Events:   eventSvc,
		Resolver: resolver,
	})

	// Initialize middleware
	mw := middleware.New(rdb, log, cfg)

	// Set up router
	r := router.New(h, mw, sessionSvc, resolver, cfg.CORS.AllowedOrigins)

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	if cfg.Server.SweepInterval > 0 {
		go runSweeper(bgCtx, cfg.Server.SweepInterval, sessionSvc, mfaSvc, keySvc, log)
	}
	if rdb != nil {
		go watchLogouts(bgCtx, sessionSvc, log)
	}

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Bool("tls", cfg.Server.TLS.Enabled).Msg("HTTP server listening")
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")
	stopBackground()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func openStores(cfg *config.Config, db *database.Postgres, rdb *database.Redis) (*stores, error) {
	var st stores
	switch cfg.Store.Driver {
	case "postgres":
		st = stores{
			accounts:    repository.NewAccountRepository(db),
			sessions:    repository.NewSessionRepository(db),
			events:      repository.NewSecurityEventRepository(db),
			history:     repository.NewPasswordHistoryRepository(db),
			permissions: repository.NewPermissionRepository(db),
			keys:        repository.NewSigningKeyRepository(db),
		}
	case "memory":
		st = stores{
			accounts:    memory.NewAccountStore(),
			sessions:    memory.NewSessionStore(),
			events:      memory.NewEventStore(),
			history:     memory.NewPasswordHistoryStore(),
			permissions: memory.NewPermissionStore(model.DefaultPermissionTable()),
			keys:        memory.NewKeyStore(),
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	switch cfg.Store.ChallengeDriver {
	case "redis":
		if rdb == nil {
			return nil, errors.New("challenge_driver redis requires redis.enabled")
		}
		st.challenges = repository.NewChallengeRepository(rdb)
	case "memory", "":
		st.challenges = memory.NewChallengeStore()
	default:
		return nil, fmt.Errorf("unknown challenge driver %q", cfg.Store.ChallengeDriver)
	}
	return &st, nil
}

func newCodeDelivery(ctx context.Context, cfg *config.Config, rdb *database.Redis, log *logger.Logger) (delivery.CodeDelivery, error) {
	sender, err := email.NewSender(ctx, cfg.Email, log)
	if err != nil {
		return nil, err
	}
	codes := &delivery.Router{
		Email: delivery.NewEmailDelivery(sender, cfg.Email.AppName),
	}

	switch {
	case cfg.SMS.Provider == "redis" && rdb != nil:
		codes.SMS = delivery.NewSMSDelivery(rdb, cfg.SMS.Channel, cfg.Email.AppName)
	case cfg.SMS.Provider != "":
		log.Warn().Str("provider", cfg.SMS.Provider).Msg("sms delivery unavailable, sms codes disabled")
	}
	return codes, nil
}

func bootstrapAdmin(ctx context.Context, cfg config.BootstrapConfig, accounts repository.AccountStore, admin *service.AdminService, log *logger.Logger) error {
	if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
		return nil
	}
	if _, err := accounts.GetByEmail(ctx, cfg.AdminEmail); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	account, err := admin.CreateAccount(ctx, service.CreateAccountRequest{
		Email:    cfg.AdminEmail,
		Password: cfg.AdminPassword,
		Role:     model.RoleAdmin,
	}, service.Actor{AccountID: "system"})
	if err != nil {
		return err
	}
	log.Info().Str("account_id", account.ID).Msg("bootstrap administrator created")
	return nil
}

// runSweeper reclaims expired sessions and challenges, picks up key
// rotations made by other instances and rotates the active key once it ages out.
func runSweeper(ctx context.Context, interval time.Duration, sessions *service.SessionService, mfa *service.MFAService, keys *service.KeyService, log *logger.Logger) {
	log = log.WithComponent("sweeper")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := sessions.PurgeExpired(ctx); err != nil {
				log.Error().Err(err).Msg("failed to purge expired sessions")
			} else if n > 0 {
				log.Debug().Int64("count", n).Msg("purged expired sessions")
			}
			if n, err := mfa.PurgeExpired(ctx); err != nil {
				log.Error().Err(err).Msg("failed to purge expired challenges")
			} else if n > 0 {
				log.Debug().Int64("count", n).Msg("purged expired challenges")
			}
			if err := keys.Reload(ctx); err != nil {
				log.Error().Err(err).Msg("failed to reload signing keys")
			}
			if keys.NeedsRotation() {
				if info, err := keys.RotateKey(ctx); err != nil {
					log.Error().Err(err).Msg("scheduled key rotation failed")
				} else {
					log.Info().Str("key_id", info.ID).Msg("signing key rotated on schedule")
				}
			}
		}
	}
}

func watchLogouts(ctx context.Context, sessions *service.SessionService, log *logger.Logger) {
	log = log.WithComponent("logout_watcher")
	events, cleanup, err := sessions.SubscribeToLogoutEvents(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("logout events unavailable")
		return
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			log.Debug().
				Str("type", ev.Type).
				Str("account_id", ev.AccountID).
				Str("session_id", ev.SessionID).
				Str("reason", ev.Reason).
				Msg("logout event")
		}
	}
}
