package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dcss-portal/internal/auth"
	"dcss-portal/internal/config"
	"dcss-portal/internal/db"
	"dcss-portal/internal/kv"
	"dcss-portal/internal/logging"
	"dcss-portal/internal/notify"
	"dcss-portal/internal/otp"
	"dcss-portal/internal/server"
	"dcss-portal/internal/storage"
	"dcss-portal/internal/token"
	"dcss-portal/internal/upload"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Safety: refuse to start on any configuration problem.
		logging.Error("config_invalid", nil, err)
		os.Exit(1)
	}
	logging.SetDefault(logging.New(os.Stdout, cfg.Log.Format, cfg.Log.Level))
	for _, w := range cfg.Warnings() {
		logging.Warn("config_warning", map[string]any{"detail": w})
	}

	if err := run(cfg); err != nil {
		logging.Error("backend_exit", nil, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Database
	dbConn, err := db.OpenDB(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer func() { _ = dbConn.Close() }()

	logging.Info("running_migrations", nil)
	if err := db.RunMigrations(startCtx, dbConn); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	objects, err := storage.NewMinioStore(startCtx, storage.Config{
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Bucket:    cfg.S3.Bucket,
		UseSSL:    cfg.S3.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("object storage: %w", err)
	}

	rdb, err := kv.NewClient(startCtx, kv.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer func() { _ = rdb.Close() }()

	router := newDispatcher(cfg)

	codec, err := token.NewCodec(cfg.TokenSecret)
	if err != nil {
		return err
	}
	verifier, err := otp.NewVerifier(db.NewCodes(dbConn), router, otp.Config{
		Secret:      cfg.OTPSecret,
		TTL:         cfg.OTP.TTL,
		MaxAttempts: cfg.OTP.MaxAttempts,
		Send:        otp.Policy{Limit: cfg.OTP.SendLimit, Window: cfg.OTP.Window},
		Resend:      otp.Policy{Limit: cfg.OTP.ResendLimit, Window: cfg.OTP.Window},
	})
	if err != nil {
		return err
	}

	files := db.NewFiles(dbConn)
	activity := db.NewActivity(dbConn)
	accounts := auth.NewService(db.NewUsers(dbConn), db.NewDevices(dbConn), activity, verifier, codec, auth.ServiceConfig{})
	uploads := upload.NewCoordinator(objects, files, kv.NewSessionStore(rdb.Raw(), 24*time.Hour), upload.Config{
		MaxPartBytes: cfg.HTTP.MaxPartBytes,
		MaxFileBytes: cfg.HTTP.MaxFileBytes,
	})

	srv := server.New(server.Config{
		Addr:               cfg.Addr,
		Version:            cfg.Version,
		Commit:             cfg.Commit,
		CORSAllowedOrigins: cfg.HTTP.CORSAllowedOrigins,
		RateLimitPerMin:    cfg.HTTP.RateLimitPerMin,
		MaxPartBytes:       cfg.HTTP.MaxPartBytes,
		TrustProxy:         cfg.HTTP.TrustProxy,
	}, server.Deps{
		Accounts: accounts,
		Uploads:  uploads,
		Activity: activity,
		Gate:     auth.NewGate(codec),
		Checks:   healthChecks(dbConn, objects, rdb, router),
	})

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go upload.NewSweeper(files, objects, upload.SweeperConfig{
		Interval: cfg.Cleanup.Interval,
		MaxAge:   cfg.Cleanup.MaxAge,
	}).Run(sweepCtx)

	// Start the HTTP server in a background goroutine so signals can be
	// handled while it runs.
	errCh := make(chan error, 1)
	go func() {
		logging.Info("starting", map[string]any{"addr": cfg.Addr, "version": cfg.Version, "commit": cfg.Commit})
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info("shutting_down", map[string]any{"signal": sig.String()})
		// Give in-flight requests 5 seconds to finish.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logging.Info("shutdown_complete", nil)
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	}
}

// newDispatcher wires whichever delivery channels are configured. Each
// channel trips after 5 consecutive failures and probes again after 30s.
func newDispatcher(cfg config.Config) *notify.Router {
	var sms, email notify.Sender
	if cfg.Twilio.Enabled() {
		sms = notify.NewTwilioSender(notify.TwilioConfig{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			From:       cfg.Twilio.From,
		}, nil)
	}
	if cfg.SMTP.Enabled() {
		email = notify.NewEmailSender(notify.EmailConfig{
			SMTPHost:     cfg.SMTP.Host,
			SMTPPort:     cfg.SMTP.Port,
			SMTPUser:     cfg.SMTP.Username,
			SMTPPassword: cfg.SMTP.Password,
			FromEmail:    cfg.SMTP.From,
		})
	}
	return notify.NewRouter(sms, email, func(name string) *notify.Breaker {
		return notify.NewBreaker(name, 5, 30*time.Second)
	})
}

func healthChecks(dbConn *sql.DB, objects *storage.MinioStore, rdb *kv.Client, router *notify.Router) []server.HealthCheck {
	return []server.HealthCheck{
		server.CheckFunc{Component: "database", Ping: dbConn.PingContext},
		server.CheckFunc{Component: "object_storage", Ping: objects.Ping},
		server.CheckFunc{Component: "redis", Ping: rdb.Ping},
		server.CheckFunc{
			Component: "notifications",
			Optional:  true,
			Ping:      func(context.Context) error { return openBreakers(router.Stats()) },
			Info:      func() any { return router.Stats() },
		},
	}
}

// openBreakers fails when any delivery channel is refusing calls.
func openBreakers(stats map[string]notify.BreakerStats) error {
	for name, st := range stats {
		if st.State == notify.StateOpen.String() {
			return fmt.Errorf("%s channel circuit open", name)
		}
	}
	return nil
}
