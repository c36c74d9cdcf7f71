package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/ordermail/internal/app"
	"github.com/foxzi/ordermail/internal/roster"
)

var (
	testTo      string
	testName    string
	testTimeout time.Duration
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Check the relay and send a sample confirmation",
	RunE:  runTest,
}

func init() {
	testCmd.Flags().StringVar(&testTo, "to", "", "Recipient email address (required)")
	testCmd.Flags().StringVar(&testName, "name", "Test Customer", "Recipient name")
	testCmd.Flags().DurationVar(&testTimeout, "timeout", time.Minute, "Overall timeout")
	testCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(testCmd)
}

// sampleGroup is a single-order group for test sends
func sampleGroup(email, name string) *roster.RecipientGroup {
	return &roster.RecipientGroup{
		Email: roster.NormalizeEmail(email),
		Name:  name,
		Phone: "0900000000",
		Orders: []roster.OrderRow{{
			"Số lượng Combo":         "1",
			"Chọn Màu sắc & Size áo": "Black / M",
			"Địa chỉ nhận hàng":      "1 Test Street",
			"Thời gian nhận hàng":    "Morning",
		}},
	}
}

func runTest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	m, _, err := app.NewMailer(cfg, app.SetupLogger(cfg.Logging))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connecting to %s (%s)...\n", cfg.RelayAddr(), cfg.SMTP.Security)
	if err := m.Verify(ctx); err != nil {
		return fmt.Errorf("relay check failed: %w", err)
	}
	fmt.Fprintln(out, "  Relay OK")

	id, err := m.Send(ctx, sampleGroup(testTo, testName))
	if err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}
	fmt.Fprintf(out, "  Sent to %s\n  Message-ID: %s\n", testTo, id)
	return nil
}
