package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/nearpay/vectigal/internal/alerter"
	"github.com/nearpay/vectigal/internal/chain"
	"github.com/nearpay/vectigal/internal/config"
	"github.com/nearpay/vectigal/internal/http_api"
	"github.com/nearpay/vectigal/internal/metrics"
	"github.com/nearpay/vectigal/internal/models"
	"github.com/nearpay/vectigal/internal/pricing"
	"github.com/nearpay/vectigal/internal/provider"
	"github.com/nearpay/vectigal/internal/repository"
	"github.com/nearpay/vectigal/pkg/logger"
	"github.com/nearpay/vectigal/pkg/validation"
)

func main() {
	app := &cli.App{
		Name:  "vectigal",
		Usage: "Vectigal is a payment-channel gated LLM proxy",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Aliases: []string{"H"}, Usage: "Listen host"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "Listen port"},
			&cli.StringFlag{Name: "db-url", Aliases: []string{"d"}, Usage: "Ledger database path"},
			&cli.StringFlag{Name: "chain-rpc-url", Aliases: []string{"r"}, Usage: "Chain JSON-RPC endpoint"},
			&cli.StringFlag{Name: "contract-id", Aliases: []string{"c"}, Usage: "Payment channel contract account"},
			&cli.StringFlag{Name: "upstream-url", Aliases: []string{"u"}, Usage: "Upstream LLM backend URL"},
			&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development mode"},
		},
		Action: func(c *cli.Context) error {
			return run(c)
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	// Override with flags if set
	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("db-url") {
		cfg.DBURL = c.String("db-url")
	}
	if c.IsSet("chain-rpc-url") {
		cfg.ChainRPCURL = c.String("chain-rpc-url")
	}
	if c.IsSet("contract-id") {
		cfg.ContractID = c.String("contract-id")
	}
	if c.IsSet("upstream-url") {
		cfg.UpstreamURL = c.String("upstream-url")
	}
	if c.IsSet("development") {
		cfg.Development = c.Bool("development")
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %v", err)
	}
	defer log.Sync()

	// Load the provider signing key; it never leaves this process
	signingKey, err := loadSigningKey(cfg)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %v", err)
	}

	// Initialize ledger database
	db, err := repository.NewSqliteDB(cfg.DBURL, cfg.DisputeWindow(), log)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %v", err)
	}
	defer db.Close()

	// Initialize chain oracle and settlement client
	oracle := chain.NewOracle(cfg.ChainRPCURL, cfg.ContractID, cfg.OracleRefresh(), log)
	settler := chain.NewSettler(cfg.ChainRPCURL, cfg.ContractID, cfg.ReceiverAccount, signingKey, log)

	// Initialize operator alerts
	alerts, err := buildAlerter(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize alerter: %v", err)
	}

	// Initialize metrics
	recorder := metrics.NewPrometheusRecorder()

	// Create the provider core
	providerApp := provider.NewProvider(db, oracle, settler, alerts, recorder, signingKey, log, cfg)

	// Pricing: completion-style costing on every gated route
	table, err := pricing.NewTable(cfg.CostPerToken, cfg.CostPerRequest, cfg.MaxTokensDefault)
	if err != nil {
		return fmt.Errorf("failed to build pricing table: %v", err)
	}
	priceRoutes := pricing.NewRoutes(table.CompletionCost)

	// Upstream relay
	relay, err := http_api.NewRelay(cfg.UpstreamURL, cfg.UpstreamAPIKey, recorder, log)
	if err != nil {
		return fmt.Errorf("failed to build upstream relay: %v", err)
	}

	apiServer := http_api.NewHTTPServer(providerApp, priceRoutes, relay, recorder, cfg, log)

	// Run the close state machine until shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go providerApp.RunCloseMachine(ctx)

	go apiServer.Start()

	// Wait for a shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutdown signal received")
	cancel()
	if err := apiServer.Shutdown(); err != nil {
		log.Error("Failed to shut down HTTP server: ", err)
	}

	return nil
}

// signingKeyFile is the credentials file layout: NEAR account keys with
// "ed25519:<base58>" encoded key material.
type signingKeyFile struct {
	AccountID  string `json:"account_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

func loadSigningKey(cfg *config.Config) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(cfg.ReceiverSigningKeyPath)
	if err != nil {
		return nil, err
	}
	var file signingKeyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid credentials file: %w", err)
	}
	if file.AccountID != cfg.ReceiverAccount {
		return nil, fmt.Errorf("credentials are for %s, expected %s", file.AccountID, cfg.ReceiverAccount)
	}
	key, err := validation.ParseSecretKey(file.PrivateKey)
	if err != nil {
		return nil, err
	}
	configured, err := validation.ParsePublicKey(cfg.ReceiverPK)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(key.Public().(ed25519.PublicKey), configured) {
		return nil, fmt.Errorf("signing key does not match RECEIVER_PK")
	}
	return key, nil
}

func buildAlerter(cfg *config.Config, log *logger.Logger) (models.AlertService, error) {
	var telegram *alerter.TelegramAlerter
	var email *alerter.EmailAlerter

	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		t, err := alerter.NewTelegramAlerter(log, cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			return nil, err
		}
		telegram = t
	}
	if cfg.SMTPHost != "" && cfg.AlertEmail != "" {
		email = alerter.NewEmailAlerter(log, cfg.SMTPHost, cfg.SMTPPort,
			cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPSender, cfg.AlertEmail)
	}
	return alerter.NewAlerter(log, telegram, email), nil
}
