package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/havenapp/authgate/internal/authstore"
	"github.com/havenapp/authgate/internal/config"
	"github.com/havenapp/authgate/internal/gate"
	"github.com/havenapp/authgate/internal/identity"
	"github.com/havenapp/authgate/internal/logging"
	"github.com/havenapp/authgate/internal/profile"
	"github.com/havenapp/authgate/internal/resolver"
	"github.com/havenapp/authgate/internal/server"
)

var Version = "dev"

func main() {
	// Handle hash-password subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		hashPassword()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashPassword generates a bcrypt hash for AUTHGATE_STATUS_USERS.
func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	password := scanner.Text()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("authgate starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("identity_url", cfg.IdentityURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	statusUsers, err := cfg.ParseStatusUsers()
	if err != nil {
		return fmt.Errorf("parsing status users: %w", err)
	}

	statePath := cfg.StatePath
	if statePath == "" {
		statePath, err = authstore.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolving state path: %w", err)
		}
	}

	sessions, err := authstore.Open(statePath)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer sessions.Close()

	httpClient := &http.Client{Timeout: 30 * time.Second}

	gateway := identity.NewClient(httpClient, cfg.IdentityURL, cfg.IdentityAnonKey, sessions, logger)

	res := resolver.New(gateway, sessions, resolver.Policy{
		SettleDelay:        cfg.SettleDelay,
		SettleRecheckDelay: cfg.SettleRecheckDelay,
		MaxAttempts:        cfg.RecoveryAttempts,
		BackoffBase:        cfg.BackoffBase,
		BackoffCap:         cfg.BackoffCap,
	}, logger)

	profiles := profile.NewGate(
		profile.NewHTTPStore(httpClient, cfg.ProfileAPIURL, cfg.IdentityAnonKey),
		logger,
	)

	policies := config.NewPolicyStore(cfg.Policy())

	mux := server.NewMux(server.MuxConfig{
		Gateway:     gateway,
		Sessions:    sessions,
		Resolver:    res,
		Profiles:    profiles,
		Policies:    policies,
		Routes:      gate.Routes{SignIn: cfg.SignInURL, Onboarding: cfg.OnboardingURL, Home: cfg.HomeURL},
		StatusUsers: statusUsers,
		Version:     Version,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.IdentityRealtimeURL != "" {
		feed := identity.NewChangeFeed(identity.ChangeFeedConfig{
			URL:    cfg.IdentityRealtimeURL,
			APIKey: cfg.IdentityAnonKey,
			Store:  sessions,
		}, logger)
		g.Go(func() error {
			return feed.Listen(gctx)
		})
	}

	if cfg.DescriptorPath != "" {
		g.Go(func() error {
			return config.WatchDescriptor(gctx, logger, cfg.DescriptorPath, cfg.Policy(), policies)
		})
	}

	g.Go(func() error {
		// Shutdown when context is cancelled.
		go func() {
			<-gctx.Done()
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	return g.Wait()
}
