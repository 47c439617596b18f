package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	appconfig "github.com/AnthonyGillesRudolfo/donation-checkout/internal/config"
	postgres "github.com/AnthonyGillesRudolfo/donation-checkout/internal/storage/postgres"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	var server, origin string
	rootCmd := &cobra.Command{
		Use:     "checkoutctl",
		Short:   "Drive donation checkouts against a running donation API",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVar(&server, "server", envOr("CHECKOUT_API_URL", "http://localhost:3000"), "Donation API base URL")
	rootCmd.PersistentFlags().StringVar(&origin, "origin", envOr("APP_ORIGIN", "http://localhost:5173"), "Origin header sent with relay calls")
	client := func() *apiClient { return newAPIClient(server, origin) }

	rootCmd.AddCommand(startCmd(client))
	rootCmd.AddCommand(statusCmd(client))
	rootCmd.AddCommand(windowCmd(client))
	rootCmd.AddCommand(messageCmd(client))
	rootCmd.AddCommand(webhookCmd(client))
	rootCmd.AddCommand(seedCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func startCmd(client func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [campaign-id] [amount]",
		Short: "Start a donation attempt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			name, _ := cmd.Flags().GetString("name")
			email, _ := cmd.Flags().GetString("email")
			message, _ := cmd.Flags().GetString("message")
			anonymous, _ := cmd.Flags().GetBool("anonymous")
			follow, _ := cmd.Flags().GetBool("follow")

			c := client()
			attemptID, err := c.start(cmd.Context(), map[string]any{
				"campaign_id": args[0],
				"amount":      amount,
				"donor":       map[string]any{"name": name, "email": email, "message": message, "anonymous": anonymous},
			})
			if err != nil {
				return err
			}
			fmt.Println("attempt:", attemptID)
			if !follow {
				return nil
			}
			view, err := c.follow(cmd.Context(), attemptID, time.Second, func(v attemptView) {
				fmt.Printf("  %s %s\n", v.Status, v.PaymentURL)
			})
			if err != nil {
				return err
			}
			return printJSON(view)
		},
	}
	cmd.Flags().String("name", "", "Donor display name")
	cmd.Flags().String("email", "", "Receipt e-mail address")
	cmd.Flags().String("message", "", "Message shown with the donation")
	cmd.Flags().Bool("anonymous", false, "Hide the donor name")
	cmd.Flags().BoolP("follow", "f", false, "Act as the browser until the attempt resolves")
	return cmd
}

func statusCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status [attempt-id]",
		Short: "Show the current view of an attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := client().status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(view)
		},
	}
}

func windowCmd(client func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "window [attempt-id] [opened|blocked|heartbeat|closed]",
		Short:     "Report a popup window event as the browser would",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"opened", "blocked", "heartbeat", "closed"},
		RunE: func(cmd *cobra.Command, args []string) error {
			event, opened := args[1], true
			switch event {
			case "blocked":
				event, opened = "opened", false
			case "opened", "heartbeat", "closed":
			default:
				return fmt.Errorf("unknown window event %q", args[1])
			}
			closeRequested, err := client().window(cmd.Context(), args[0], event, opened)
			if err != nil {
				return err
			}
			if closeRequested {
				fmt.Println("server asked to close the popup")
			}
			return nil
		},
	}
	return cmd
}

func messageCmd(client func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message [attempt-id] [status]",
		Short: "Relay a payment window postMessage (status: completed|failed|cancelled)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := map[string]any{"status": args[1]}
			if id, _ := cmd.Flags().GetString("donation-id"); id != "" {
				data["donationId"] = id
			}
			return client().message(cmd.Context(), args[0], data)
		},
	}
	cmd.Flags().String("donation-id", "", "Donation id carried by the message")
	return cmd
}

func webhookCmd(client func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook [session-id] [status]",
		Short: "Send a Xendit invoice callback (status: PAID|SETTLED|FAILED|EXPIRED)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, _ := cmd.Flags().GetString("token")
			invoice, _ := cmd.Flags().GetString("invoice-id")
			return client().webhook(cmd.Context(), token, map[string]any{
				"id":          invoice,
				"external_id": args[0],
				"status":      args[1],
			})
		},
	}
	cmd.Flags().String("token", os.Getenv("XENDIT_CALLBACK_TOKEN"), "x-callback-token header")
	cmd.Flags().String("invoice-id", "", "Invoice id")
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed [campaign-id] [title]",
		Short: "Create or update a campaign in the donations database",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			goalRaw, _ := cmd.Flags().GetString("goal")
			goal, err := decimal.NewFromString(goalRaw)
			if err != nil {
				return fmt.Errorf("goal: %w", err)
			}
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			db, err := postgres.Open(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			return postgres.NewRepository(db).UpsertCampaign(cmd.Context(), args[0], args[1], goal)
		},
	}
	cmd.Flags().String("goal", "1000000", "Fundraising goal")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
