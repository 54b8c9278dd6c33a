package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/video0-dev/tokenledger/internal/httpserver"
	"github.com/video0-dev/tokenledger/internal/store/gormstore"
	"github.com/video0-dev/tokenledger/internal/store/pgstore"
	"github.com/video0-dev/tokenledger/pkg/tokens"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL        = "database-url"
	flagStoreDriver        = "store-driver"
	flagListenAddr         = "listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagSessionSigningKey  = "session-signing-key"
	flagSessionIssuer      = "session-issuer"
	flagSessionCookieName  = "session-cookie-name"
	flagPolarBaseURL       = "polar-base-url"
	flagPolarAccessToken   = "polar-access-token"
	flagPolarWebhookSecret = "polar-webhook-secret"
	flagRenderBaseURL      = "render-base-url"
	flagRenderAPIKey       = "render-api-key"
	flagSuccessBaseURL     = "success-redirect-base-url"

	configKeyDatabaseURL        = "database_url"
	configKeyStoreDriver        = "store_driver"
	configKeyListenAddr         = "listen_addr"
	configKeyAllowedOrigins     = "allowed_origins"
	configKeySessionSigningKey  = "session_signing_key"
	configKeySessionIssuer      = "session_issuer"
	configKeySessionCookieName  = "session_cookie_name"
	configKeyPolarBaseURL       = "polar_base_url"
	configKeyPolarAccessToken   = "polar_access_token"
	configKeyPolarWebhookSecret = "polar_webhook_secret"
	configKeyRenderBaseURL      = "render_base_url"
	configKeyRenderAPIKey       = "render_api_key"
	configKeySuccessBaseURL     = "success_redirect_base_url"

	defaultDatabaseURL = "sqlite:///tmp/tokenledger.db"
	defaultListenAddr  = ":8090"
	storeDriverGorm    = "gorm"
	storeDriverPgx     = "pgx"
)

type runtimeConfig struct {
	DatabaseURL string
	StoreDriver string
	Server      httpserver.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tokend: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "tokend",
		Short:         "Generation credit ledger HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagStoreDriver, storeDriverGorm, "Store driver: gorm or pgx")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-separated CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "JWT session signing key")
	cmd.Flags().String(flagSessionIssuer, "", "JWT session issuer")
	cmd.Flags().String(flagSessionCookieName, "", "JWT session cookie name")
	cmd.Flags().String(flagPolarBaseURL, "", "Polar API base URL")
	cmd.Flags().String(flagPolarAccessToken, "", "Polar API access token")
	cmd.Flags().String(flagPolarWebhookSecret, "", "Polar webhook signing secret (whsec_...)")
	cmd.Flags().String(flagRenderBaseURL, "", "Video rendering service base URL")
	cmd.Flags().String(flagRenderAPIKey, "", "Video rendering service API key")
	cmd.Flags().String(flagSuccessBaseURL, "", "Checkout success redirect base URL")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := []struct {
		configKey string
		envName   string
		flagName  string
	}{
		{configKeyDatabaseURL, "DATABASE_URL", flagDatabaseURL},
		{configKeyStoreDriver, "STORE_DRIVER", flagStoreDriver},
		{configKeyListenAddr, "HTTP_LISTEN_ADDR", flagListenAddr},
		{configKeyAllowedOrigins, "ALLOWED_ORIGINS", flagAllowedOrigins},
		{configKeySessionSigningKey, "SESSION_SIGNING_KEY", flagSessionSigningKey},
		{configKeySessionIssuer, "SESSION_ISSUER", flagSessionIssuer},
		{configKeySessionCookieName, "SESSION_COOKIE_NAME", flagSessionCookieName},
		{configKeyPolarBaseURL, "POLAR_BASE_URL", flagPolarBaseURL},
		{configKeyPolarAccessToken, "POLAR_ACCESS_TOKEN", flagPolarAccessToken},
		{configKeyPolarWebhookSecret, "POLAR_WEBHOOK_SECRET", flagPolarWebhookSecret},
		{configKeyRenderBaseURL, "RENDER_BASE_URL", flagRenderBaseURL},
		{configKeyRenderAPIKey, "RENDER_API_KEY", flagRenderAPIKey},
		{configKeySuccessBaseURL, "SUCCESS_REDIRECT_BASE_URL", flagSuccessBaseURL},
	}
	for _, binding := range bindings {
		if err := viper.BindEnv(binding.configKey, binding.envName); err != nil {
			return err
		}
		if err := viper.BindPFlag(binding.configKey, cmd.Flags().Lookup(binding.flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreDriver = viper.GetString(configKeyStoreDriver)
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = storeDriverGorm
	}
	if cfg.StoreDriver != storeDriverGorm && cfg.StoreDriver != storeDriverPgx {
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}

	cfg.Server = httpserver.Config{
		ListenAddr:             viper.GetString(configKeyListenAddr),
		AllowedOrigins:         httpserver.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins)),
		SessionSigningKey:      viper.GetString(configKeySessionSigningKey),
		SessionIssuer:          viper.GetString(configKeySessionIssuer),
		SessionCookieName:      viper.GetString(configKeySessionCookieName),
		PolarBaseURL:           viper.GetString(configKeyPolarBaseURL),
		PolarAccessToken:       viper.GetString(configKeyPolarAccessToken),
		PolarWebhookSecret:     viper.GetString(configKeyPolarWebhookSecret),
		RenderBaseURL:          viper.GetString(configKeyRenderBaseURL),
		RenderAPIKey:           viper.GetString(configKeyRenderAPIKey),
		SuccessRedirectBaseURL: viper.GetString(configKeySuccessBaseURL),
	}
	return cfg.Server.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	return httpserver.Run(ctx, cfg.Server, store)
}

func openStore(ctx context.Context, cfg *runtimeConfig) (tokens.Store, func() error, error) {
	if cfg.StoreDriver == storeDriverPgx {
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return nil, nil, fmt.Errorf("pgx store requires a postgres:// database url")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := prepareSchema(gormDB, driver); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return gormstore.New(gormDB), cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "tokenledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(&gormstore.GenerationToken{}, &gormstore.GenerationTransaction{}, &gormstore.GenerationTokenTopup{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
