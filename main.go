package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	segmentio "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"payment-form-service/internal/config"
	"payment-form-service/internal/db"
	"payment-form-service/internal/eventsim"
	"payment-form-service/internal/form"
	"payment-form-service/internal/intake"
	"payment-form-service/internal/kafka"
	"payment-form-service/internal/ledger"
	"payment-form-service/internal/logging"
	"payment-form-service/internal/metrics"
	"payment-form-service/internal/outbox"
	"payment-form-service/internal/payment"
	"payment-form-service/internal/server"
	"payment-form-service/internal/settings"
	"payment-form-service/internal/token"
	"payment-form-service/internal/webhook"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "payment-form-service",
		Short:        "Hosted payment forms backed by Stripe",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing config.yaml")

	rootCmd.AddCommand(serveCmd(), migrateCmd(), eventsCmd(), triggerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger := logging.GetLogger(cfg.Logs)
			metrics.Setup(cfg.Metrics, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	connStr := cfg.Database.ConnString()
	if err := db.RunMigrations(connStr); err != nil {
		return err
	}

	pool, err := db.GetPool(ctx, connStr)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	formRepo := db.NewFormRepository(pool)
	submissionRepo := db.NewSubmissionRepository(pool)
	transactionRepo := db.NewTransactionRepository(pool)

	settingsStore := settings.NewStore(db.NewSettingRepository(pool), logger)
	if err := settingsStore.Reload(ctx); err != nil {
		return err
	}
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)
	go settingsStore.WatchReload(ctx, reload)

	var nonces token.NonceStore = db.NewFlowTokenRepository(pool)
	if cfg.Redis.URL != "" {
		client, err := token.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		nonces = token.NewRedisStore(client)
	}
	issuer := token.NewIssuer(cfg.Token.Secret, time.Duration(cfg.Token.TTLMs)*time.Millisecond, nonces)

	forms := form.NewService(formRepo, logger)
	renderer, err := form.NewRenderer()
	if err != nil {
		return err
	}
	gateways := payment.NewFactory(cfg.Stripe, logger)

	ledgerService, err := ledger.NewService(transactionRepo, logger)
	if err != nil {
		return err
	}

	var relayDone <-chan struct{}
	if cfg.Kafka.Enabled() {
		writer := kafka.NewWriter(cfg.Kafka)
		defer writer.Close()
		relayDone = outbox.NewRelay(db.NewOutboxRepository(pool), writer, cfg.Outbox, logger).Start(ctx)
	}

	srv := server.New(server.Deps{
		Forms:    forms,
		Renderer: renderer,
		Tokens:   issuer,
		Intake:   intake.NewService(forms, submissionRepo, issuer, gateways, settingsStore, logger),
		Webhook: webhook.NewReceiver(gateways, transactionRepo, submissionRepo, forms, settingsStore,
			cfg.Kafka.Enabled(), logger),
		Ledger:   ledgerService,
		Settings: settingsStore,
	}, cfg.Server, cfg.Admin, logger)

	err = srv.Run(ctx)

	// the relay must stop before the deferred writer and pool closes run
	cancel()
	if cfg.Kafka.Enabled() {
		<-relayDone
	}
	return err
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger := logging.GetLogger(cfg.Logs)
			if err := db.RunMigrations(cfg.Database.ConnString()); err != nil {
				return err
			}
			logger.Info("Migrations applied")
			return nil
		},
	}
}

func eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Print transaction events from the Kafka topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if !cfg.Kafka.Enabled() {
				return errors.New("kafka.broker.url and kafka.topic.transactions must be set")
			}
			logger := logging.GetLogger(cfg.Logs)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reader := kafka.NewReader(cfg.Kafka)
			defer reader.Close()

			out := json.NewEncoder(cmd.OutOrStdout())
			kafka.ReadMessages(ctx, reader, logger, func(_ context.Context, m segmentio.Message) error {
				var envelope outbox.Envelope
				if err := json.Unmarshal(m.Value, &envelope); err != nil {
					return errors.Wrap(err, "decode event")
				}
				return out.Encode(envelope)
			})
			return nil
		},
	}
}

func triggerCmd() *cobra.Command {
	var (
		url      string
		secret   string
		event    eventsim.Event
		amount   string
		failed   bool
		formID   int64
		currency string
	)

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Post a signed payment_intent event to a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger := logging.GetLogger(cfg.Logs)

			value, err := decimal.NewFromString(amount)
			if err != nil {
				return errors.Wrap(err, "parse amount")
			}
			if url == "" {
				url = cfg.Server.PublicURL + "/webhooks/stripe"
			}

			event.Type = payment.EventIntentSucceeded
			if failed {
				event.Type = payment.EventIntentFailed
			}
			event.FormID = formID
			event.Amount = value
			event.Currency = currency

			resp, err := eventsim.NewSender(url, secret, logger).Send(cmd.Context(), event)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", resp.Status, resp.Body)
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "webhook endpoint (defaults to server.public-url)")
	cmd.Flags().StringVar(&secret, "secret", "", "webhook signing secret")
	cmd.Flags().Int64Var(&formID, "form", 0, "form id stamped into metadata")
	cmd.Flags().Int64Var(&event.SubmissionID, "submission", 0, "submission id stamped into metadata")
	cmd.Flags().StringVar(&event.Mode, "mode", settings.ModeTest, "mode stamped into metadata")
	cmd.Flags().StringVar(&amount, "amount", "10.00", "payment amount")
	cmd.Flags().StringVar(&currency, "currency", "usd", "payment currency")
	cmd.Flags().BoolVar(&failed, "failed", false, "send payment_intent.payment_failed instead of succeeded")
	_ = cmd.MarkFlagRequired("secret")

	return cmd
}
