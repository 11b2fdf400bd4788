package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paybot/openpay"
	"github.com/paybot/openpay/contacts"
	"github.com/paybot/openpay/logger"
	"github.com/paybot/openpay/transport"
	"github.com/paybot/openpay/types"
	"github.com/paybot/openpay/utils"
)

// loadConfig reads the engine configuration from a JSON file when
// OPENPAY_CONFIG_FILE is set, from individual environment variables
// otherwise. Either way the result is validated before use.
func loadConfig() (*types.Config, error) {
	if path := os.Getenv("OPENPAY_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not read config file %s: %w", path, err)
		}
		return utils.ParseConfig(data)
	}

	cfg := &types.Config{
		Source: types.AccountConfig{
			Address:    types.AccountIdentifier(os.Getenv("OPENPAY_WALLET_ADDRESS")),
			KeyID:      os.Getenv("OPENPAY_KEY_ID"),
			PrivateKey: os.Getenv("OPENPAY_PRIVATE_KEY"),
		},
		MinAmount:     os.Getenv("OPENPAY_MIN_AMOUNT"),
		MaxAmount:     os.Getenv("OPENPAY_MAX_AMOUNT"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		EnableMetrics: true,
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if err := utils.ValidateStruct(cfg); err != nil {
		return nil, fmt.Errorf(
			"missing required configuration (OPENPAY_WALLET_ADDRESS, OPENPAY_KEY_ID, OPENPAY_PRIVATE_KEY): %w", err)
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		logger.NewZapLogger("error").Error("invalid configuration", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	log := logger.NewZapLogger(cfg.LogLevel)

	opts := []openpay.Option{openpay.WithLogger(log)}

	// Contacts live in Postgres when a database is configured, in memory
	// otherwise.
	if dbSource := os.Getenv("OPENPAY_DB_SOURCE"); dbSource != "" {
		pool, err := pgxpool.New(context.Background(), dbSource)
		if err != nil {
			log.Error("unable to connect to database", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
		defer pool.Close()
		opts = append(opts, openpay.WithContactStore(contacts.NewPostgresStore(pool)))
	}

	engine, err := openpay.New(cfg, opts...)
	if err != nil {
		log.Error("engine init failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer engine.Close()

	ctx := context.Background()
	if err := engine.VerifyConnectivity(ctx); err != nil {
		log.Error("wallet connectivity check failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	if interaction, err := engine.WarmGrants(ctx); err != nil {
		log.Warn("grant pre-negotiation failed, will retry per payment", map[string]any{"error": err.Error()})
	} else if interaction != nil {
		log.Warn("grant requires approval", map[string]any{"continue_uri": interaction.ContinueURI})
	}

	srv := transport.NewServer(engine, log)

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	log.Info("payment bot listening", map[string]any{"port": port})
	if err := http.ListenAndServe(":"+port, srv.Router()); err != nil {
		log.Error("server stopped", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}
