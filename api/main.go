package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

const version = "1.0.0"

type config struct {
	port     int
	env      string
	logLevel string
	db       struct {
		dsn                string
		maxOpenConnections int
		maxIdleConnections int
		maxIdleTime        time.Duration
	}
	redis struct {
		addr     string
		password string
		db       int
	}
	session struct {
		secret     string
		ttl        time.Duration
		bcryptCost int
	}
	smtp struct {
		host     string
		port     int
		username string
		password string
		sender   string
	}
	admin struct {
		name     string
		email    string
		password string
	}
	cors struct {
		trustedOrigins []string
	}
}

type welcomeSender interface {
	sendWelcome(to, name string) error
}

type application struct {
	config   config
	logger   *slog.Logger
	sessions *sessionManager
	tasks    *taskManager
	mailer   welcomeSender
	metrics  *metrics
	gatherer prometheus.Gatherer
	wg       sync.WaitGroup
}

// parseConfig reads flags from args. Every flag defaults to the matching
// TASKER_* environment variable, e.g. -db-dsn to TASKER_DB_DSN.
func parseConfig(args []string) (config, error) {
	v := viper.New()
	v.SetEnvPrefix("tasker")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", 4000)
	v.SetDefault("env", "development")
	v.SetDefault("log-level", "info")
	v.SetDefault("db-max-open-conns", 25)
	v.SetDefault("db-max-idle-conns", 25)
	v.SetDefault("db-max-idle-time", "15m")
	v.SetDefault("redis-addr", "localhost:6379")
	v.SetDefault("session-ttl", "24h")
	v.SetDefault("bcrypt-cost", 12)
	v.SetDefault("smtp-port", 25)
	v.SetDefault("smtp-sender", "Tasker <no-reply@tasker.local>")

	var cfg config
	fs := flag.NewFlagSet("tasker", flag.ContinueOnError)
	fs.IntVar(&cfg.port, "port", v.GetInt("port"), "API server port")
	fs.StringVar(&cfg.env, "env", v.GetString("env"), "Environment (development|production)")
	fs.StringVar(&cfg.logLevel, "log-level", v.GetString("log-level"), "Log level (debug|info|warn|error)")

	fs.StringVar(&cfg.db.dsn, "db-dsn", v.GetString("db-dsn"), "PostgreSQL DSN")
	fs.IntVar(&cfg.db.maxOpenConnections, "db-max-open-conns", v.GetInt("db-max-open-conns"), "PostgreSQL max open connections")
	fs.IntVar(&cfg.db.maxIdleConnections, "db-max-idle-conns", v.GetInt("db-max-idle-conns"), "PostgreSQL max idle connections")
	fs.DurationVar(&cfg.db.maxIdleTime, "db-max-idle-time", v.GetDuration("db-max-idle-time"), "PostgreSQL max connection idle time")

	fs.StringVar(&cfg.redis.addr, "redis-addr", v.GetString("redis-addr"), "Redis address for sessions")
	fs.StringVar(&cfg.redis.password, "redis-password", v.GetString("redis-password"), "Redis password")
	fs.IntVar(&cfg.redis.db, "redis-db", v.GetInt("redis-db"), "Redis database")

	fs.StringVar(&cfg.session.secret, "session-secret", v.GetString("session-secret"), "Session token signing secret")
	fs.DurationVar(&cfg.session.ttl, "session-ttl", v.GetDuration("session-ttl"), "Session lifetime")
	fs.IntVar(&cfg.session.bcryptCost, "bcrypt-cost", v.GetInt("bcrypt-cost"), "bcrypt cost for password hashes, keep it stable once accounts exist")

	fs.StringVar(&cfg.smtp.host, "smtp-host", v.GetString("smtp-host"), "SMTP host, empty disables mail")
	fs.IntVar(&cfg.smtp.port, "smtp-port", v.GetInt("smtp-port"), "SMTP port")
	fs.StringVar(&cfg.smtp.username, "smtp-username", v.GetString("smtp-username"), "SMTP username")
	fs.StringVar(&cfg.smtp.password, "smtp-password", v.GetString("smtp-password"), "SMTP password")
	fs.StringVar(&cfg.smtp.sender, "smtp-sender", v.GetString("smtp-sender"), "SMTP sender")

	fs.StringVar(&cfg.admin.name, "admin-name", v.GetString("admin-name"), "Name of an admin account to create at startup")
	fs.StringVar(&cfg.admin.email, "admin-email", v.GetString("admin-email"), "Email of the startup admin account")
	fs.StringVar(&cfg.admin.password, "admin-password", v.GetString("admin-password"), "Password of the startup admin account")

	cfg.cors.trustedOrigins = strings.Fields(v.GetString("cors-trusted-origins"))
	fs.Func("cors-trusted-origins", "Trusted CORS origins (space separated)", func(val string) error {
		cfg.cors.trustedOrigins = strings.Fields(val)
		return nil
	})

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if cfg.env != "development" && cfg.env != "production" {
		return config{}, fmt.Errorf("invalid env %q", cfg.env)
	}
	if cfg.admin.name != "" && (cfg.admin.email == "" || cfg.admin.password == "") {
		return config{}, errors.New("admin-name requires admin-email and admin-password")
	}
	return cfg, nil
}

func newLogger(env, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := newLogger(cfg.env, cfg.logLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	logger.Info("established a connection with database")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.redis.addr,
		Password: cfg.redis.password,
		DB:       cfg.redis.db,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	if cfg.session.secret == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return err
		}
		cfg.session.secret = string(secret)
		logger.Warn("no session secret configured, sessions will not survive a restart")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := newMetrics(registry)

	store := newStorage(db)
	sessions, err := newSessionManager(store, newRedisSessionStore(rdb), logger, m, &sessionSettings{
		Secret:   []byte(cfg.session.secret),
		TTL:      cfg.session.ttl,
		HashCost: cfg.session.bcryptCost,
	})
	if err != nil {
		return err
	}

	app := &application{
		config:   cfg,
		logger:   logger,
		sessions: sessions,
		tasks:    newTaskManager(store, logger, m, nil),
		metrics:  m,
		gatherer: registry,
	}
	if cfg.smtp.host != "" {
		app.mailer = newMailer(cfg.smtp.host, cfg.smtp.port, cfg.smtp.username, cfg.smtp.password, cfg.smtp.sender)
	}

	if err := app.seedAdmin(ctx); err != nil {
		return err
	}
	return app.serve(ctx)
}

// seedAdmin creates the configured admin account unless it already exists.
func (app *application) seedAdmin(ctx context.Context) error {
	a := app.config.admin
	if a.name == "" {
		return nil
	}
	_, err := app.sessions.createUser(ctx, a.name, a.email, a.password, roleAdmin)
	switch {
	case err == nil:
		app.logger.Info("admin account created", slog.String("name", a.name))
	case errors.Is(err, errConflict):
		app.logger.Info("admin account already present", slog.String("name", a.name))
	default:
		return fmt.Errorf("seed admin: %w", err)
	}
	return nil
}

func (app *application) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", app.config.port),
		Handler:      composeRoutes(app),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorLog:     slog.NewLogLogger(app.logger.Handler(), slog.LevelError),
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("starting server", slog.String("env", app.config.env), slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	app.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	app.wg.Wait()
	app.logger.Info("stopped server")
	return nil
}

// background runs fn outside the request, recovering panics. serve waits for
// these before returning.
func (app *application) background(fn func()) {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		defer func() {
			if err := recover(); err != nil {
				app.logger.Error("background task panicked", slog.String("error", fmt.Sprint(err)))
			}
		}()
		fn()
	}()
}
