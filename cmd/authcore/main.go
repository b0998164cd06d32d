package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/authcore/internal/account"
	"github.com/alexjbarnes/authcore/internal/action"
	"github.com/alexjbarnes/authcore/internal/config"
	"github.com/alexjbarnes/authcore/internal/guard"
	"github.com/alexjbarnes/authcore/internal/kv"
	"github.com/alexjbarnes/authcore/internal/logging"
	"github.com/alexjbarnes/authcore/internal/metrics"
	"github.com/alexjbarnes/authcore/internal/notify"
	"github.com/alexjbarnes/authcore/internal/password"
	"github.com/alexjbarnes/authcore/internal/server"
	"github.com/alexjbarnes/authcore/internal/state"
	"github.com/alexjbarnes/authcore/internal/token"
)

var Version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	// Handle hash-password subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(os.Stdin, os.Stdout, os.Stderr); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashPassword reads one line and prints its bcrypt hash.
func hashPassword(in io.Reader, out, prompt io.Writer) error {
	fmt.Fprint(prompt, "Enter password: ")
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return errors.New("no input")
	}

	pw := strings.TrimRight(scanner.Text(), "\r")
	if err := password.Validate(pw); err != nil {
		return err
	}

	hash, err := password.NewHasher(0).Hash(pw)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, hash)

	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("authcore starting",
		slog.String("version", Version),
		slog.String("environment", cfg.Environment),
	)

	if cfg.IsProduction() && cfg.RedisURL == "" {
		logger.Warn("REDIS_URL not set, sessions are kept in process memory and lost on restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	users, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading user store: %w", err)
	}
	defer users.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mt := metrics.New(reg)

	store, err := kv.Open(ctx, kv.Options{
		RedisURL:      cfg.RedisURL,
		OpTimeout:     cfg.StoreOpTimeout,
		ProbeInterval: cfg.StoreProbeInterval,
		Logger:        logger,
		Recorder:      mt,
	})
	if err != nil {
		return fmt.Errorf("opening transient store: %w", err)
	}
	defer store.Close()

	accounts := buildAccounts(cfg, users, store, mt, logger)

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Accounts:           accounts,
			Logger:             logger,
			Gatherer:           reg,
			LoginRatePerMinute: cfg.LoginRatePerMinute,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server", slog.String("listen", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func buildAccounts(cfg *config.Config, users *state.State, store kv.Store, mt *metrics.Metrics, logger *slog.Logger) *account.Service {
	secret := []byte(cfg.JWTSecret)
	g := guard.New(
		guard.WithMaxAttempts(cfg.LoginMaxAttempts),
		guard.WithLockDuration(cfg.LockDuration),
	)
	hasher := password.NewHasher(cfg.BcryptCost)
	notifier := notify.NewLogNotifier(logger)

	tokens := token.NewManager(store, users, secret,
		token.WithIssuer(cfg.JWTIssuer),
		token.WithAccessTTL(cfg.AccessTokenTTL),
		token.WithRefreshTTL(cfg.RefreshTokenTTL),
		token.WithLogger(logger),
		token.WithMetrics(mt),
	)

	actions := action.NewIssuer(users, secret,
		action.WithIssuer(cfg.JWTIssuer),
		action.WithVerificationTTL(cfg.VerificationTokenTTL),
		action.WithResetTTL(cfg.ResetTokenTTL),
		action.WithCooldown(cfg.ActionCooldown),
		action.WithMaxRequests(cfg.ActionMaxRequests),
		action.WithLogger(logger),
		action.WithNotifier(notifier),
		action.WithRevoker(tokens),
		action.WithGuard(g),
		action.WithHasher(hasher),
	)

	return account.NewService(users, tokens, actions,
		account.WithGuard(g),
		account.WithHasher(hasher),
		account.WithNotifier(notifier),
		account.WithMetrics(mt),
		account.WithLogger(logger),
	)
}
