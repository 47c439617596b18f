package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"

	appconfig "github.com/AnthonyGillesRudolfo/donation-checkout/internal/config"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/events"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/receipt"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/secrets"
)

func main() {
	_ = godotenv.Load()
	if err := secrets.Bootstrap(context.Background()); err != nil {
		log.Printf("[receipt-worker] OpenBao bootstrap failed: %v", err)
	}
	cfg, err := appconfig.Load()
	if err != nil {
		log.Fatalf("[receipt-worker] config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.DonationsTopic,
		GroupID:  cfg.Kafka.ReceiptsGroup,
		MinBytes: 1e3, MaxBytes: 10e6,
	})
	defer reader.Close()

	logger := log.New(os.Stdout, "[receipt-worker] ", log.LstdFlags|log.Lmicroseconds)
	mailer := &receipt.Mailer{Sender: pickSender(cfg, logger), Logger: logger}
	consumer := &events.Consumer{
		Reader:      reader,
		Topic:       cfg.Kafka.DonationsTopic,
		Group:       cfg.Kafka.ReceiptsGroup,
		Handler:     mailer.Handle,
		MaxAttempts: cfg.Kafka.MaxAttempts,
		Backoff:     cfg.Kafka.RetryBackoff,
		Logger:      logger,
	}
	if err := consumer.Run(ctx); err != nil {
		logger.Fatalf("consumer stopped: %v", err)
	}
	logger.Println("shut down")
}

// pickSender uses SMTP when it is configured explicitly and logs receipts otherwise.
func pickSender(cfg appconfig.Config, logger *log.Logger) receipt.Sender {
	if os.Getenv("SMTP_HOST") == "" && os.Getenv("SMTP_PORT") == "" {
		return receipt.LogSender{Logger: logger}
	}
	sender := receipt.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.From)
	if user := os.Getenv("SMTP_USER"); user != "" {
		sender = sender.WithPlainAuth(user, os.Getenv("SMTP_PASSWORD"), cfg.SMTP.Host)
	}
	return sender
}
