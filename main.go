// Command cred-tender keeps a fleet of per-user OAuth credentials valid and
// durably recorded on disk while chat consumers use them. It:
//   - Loads configuration and initializes structured logging.
//   - Opens the credential store and registers persisted users.
//   - Starts the background refresh coordinator and the IRC consumer.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/cred-tender/chat"
	"github.com/onnwee/cred-tender/config"
	"github.com/onnwee/cred-tender/crypto"
	"github.com/onnwee/cred-tender/oauth"
	"github.com/onnwee/cred-tender/oauthapi"
	"github.com/onnwee/cred-tender/server"
	"github.com/onnwee/cred-tender/store"
	"github.com/onnwee/cred-tender/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("cred-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing init failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Credential store: repository + debounced write queue.
	var repoOpts []store.RepositoryOption
	if cfg.EncryptionKey != "" {
		cipher, err := crypto.NewAESCipher(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid CRED_ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
		repoOpts = append(repoOpts, store.WithCipher(cipher))
		slog.Info("credential encryption at rest enabled")
	}
	repo := store.NewRepository(cfg.CredFile, repoOpts...)
	queue := store.NewQueue(repo, store.WithDebounce(cfg.PersistDebounce))

	api := &oauthapi.Client{
		TokenURL:    cfg.TokenURL,
		ValidateURL: cfg.ValidateURL,
		DeviceURL:   cfg.DeviceCodeURL,
	}
	mgr := oauth.NewManager(api, queue,
		oauth.WithThreshold(cfg.RefreshThreshold),
		oauth.WithSafetyBuffer(cfg.SafetyBuffer),
		oauth.WithScanInterval(cfg.RefreshInterval),
		oauth.WithBackoff(cfg.BackoffBase, cfg.BackoffMax),
	)

	registered := mgr.LoadFromStore(repo.Load(ctx))
	slog.Info("credential store loaded", slog.String("path", cfg.CredFile), slog.Int("users", registered))

	// Non-interactive provisioning trigger: PROVISION_USER plus client creds
	// runs the device flow for an account with no stored refresh token.
	if user := os.Getenv("PROVISION_USER"); user != "" {
		clientID := os.Getenv("TWITCH_CLIENT_ID")
		clientSecret := os.Getenv("TWITCH_CLIENT_SECRET")
		if clientID == "" || clientSecret == "" {
			slog.Error("PROVISION_USER set but TWITCH_CLIENT_ID/TWITCH_CLIENT_SECRET missing")
			os.Exit(1)
		}
		err := mgr.Provision(ctx, user, clientID, clientSecret, cfg.Scopes, func(userCode, uri string) {
			slog.Info("authorize this device", slog.String("user_code", userCode), slog.String("verification_uri", uri))
		})
		if err != nil {
			slog.Error("provisioning failed", slog.String("user", user), slog.Any("err", err))
			os.Exit(1)
		}
	}

	go mgr.Run(ctx)

	// IRC consumer (optional).
	if err := cfg.ValidateChatReady(); err == nil {
		bot := chat.NewBot(mgr, cfg.BotUsername, cfg.Channels)
		mgr.OnRotation(bot.TokenRotated)
		go bot.Run(ctx)
	} else {
		slog.Info("chat consumer disabled", slog.Any("reason", err))
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.NewMux(mgr, repo, queue),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("http server listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", slog.Any("err", err))
	}
	if err := queue.Close(shutdownCtx); err != nil {
		slog.Warn("final flush error", slog.Any("err", err))
	}
}
