package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/ordermail/internal/app"
	"github.com/foxzi/ordermail/internal/dispatch"
	"github.com/foxzi/ordermail/internal/job"
	"github.com/foxzi/ordermail/internal/roster"
	"github.com/foxzi/ordermail/internal/sheet"
)

var (
	previewRender string
	sendYes       bool
)

var sendCmd = &cobra.Command{
	Use:   "send <file.xlsx>",
	Short: "Send confirmations for a spreadsheet and wait for the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runSend,
}

var previewCmd = &cobra.Command{
	Use:   "preview <file.xlsx>",
	Short: "Show recipient groups without sending",
	Args:  cobra.ExactArgs(1),
	RunE:  runPreview,
}

func init() {
	sendCmd.Flags().BoolVarP(&sendYes, "yes", "y", false, "Do not ask for confirmation")
	previewCmd.Flags().StringVar(&previewRender, "render", "", "Print the rendered confirmation for this email")

	rootCmd.AddCommand(sendCmd, previewCmd)
}

func loadRoster(path string, cols roster.Columns) (*roster.Roster, error) {
	table, err := sheet.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return roster.Group(table.Rows, cols), nil
}

func runPreview(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	r, err := loadRoster(args[0], app.Columns(cfg.Sheet))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if previewRender != "" {
		group, ok := r.Get(previewRender)
		if !ok {
			return fmt.Errorf("no orders for %s", previewRender)
		}
		m, _, err := app.NewMailer(cfg, app.SetupLogger(cfg.Logging))
		if err != nil {
			return err
		}
		content, err := m.Preview(group)
		if err != nil {
			return fmt.Errorf("failed to render confirmation: %w", err)
		}
		fmt.Fprintf(out, "Subject: %s\n\n%s\n", content.Subject, content.Text)
		return nil
	}

	printRoster(out, r)
	return nil
}

func printRoster(out io.Writer, r *roster.Roster) {
	est := dispatch.Estimate(r.Len())
	fmt.Fprintf(out, "Recipients: %d\n", r.Len())
	fmt.Fprintf(out, "Orders:     %d\n", r.TotalOrders())
	fmt.Fprintf(out, "Estimated:  %s (%d batches)\n\n", est.Text, est.Batches)

	if r.Len() == 0 {
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tNAME\tPHONE\tORDERS")
	for _, g := range r.Groups() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", g.Email, g.Name, g.Phone, g.OrderCount())
	}
	w.Flush()
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	r, err := loadRoster(args[0], app.Columns(cfg.Sheet))
	if err != nil {
		return err
	}
	if r.Len() == 0 {
		return fmt.Errorf("no valid emails found in %s", args[0])
	}

	out := cmd.OutOrStdout()
	est := dispatch.Estimate(r.Len())
	fmt.Fprintf(out, "Sending %d confirmations (%d orders), estimated %s\n", r.Len(), r.TotalOrders(), est.Text)

	if !sendYes && !confirm(cmd.InOrStdin(), out) {
		fmt.Fprintln(out, "Aborted")
		return nil
	}

	logger := app.SetupLogger(cfg.Logging)
	m, _, err := app.NewMailer(cfg, logger)
	if err != nil {
		return err
	}

	scheduler := dispatch.New(m, job.NewRegistry(job.Retention{}), dispatch.Options{
		DeliveryTimeout: cfg.Dispatch.DeliveryTimeout,
		JobTimeout:      cfg.Dispatch.JobTimeout,
	}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	snap, err := scheduler.Run(ctx, args[0], r)
	if err != nil {
		return fmt.Errorf("failed to start sending: %w", err)
	}

	printSummary(out, snap)
	if snap.Status == job.StatusFailed {
		return fmt.Errorf("sending failed: %s", snap.Error)
	}
	return nil
}

func confirm(in io.Reader, out io.Writer) bool {
	fmt.Fprint(out, "Continue? [y/N] ")
	var answer string
	fmt.Fscanln(in, &answer)
	return answer == "y" || answer == "Y" || answer == "yes"
}

func printSummary(out io.Writer, snap job.Snapshot) {
	sum := snap.Summary()
	fmt.Fprintf(out, "\nStatus:   %s\n", snap.Status)
	fmt.Fprintf(out, "Total:    %d\n", sum.Total)
	fmt.Fprintf(out, "Success:  %d\n", sum.Success)
	fmt.Fprintf(out, "Failed:   %d\n", sum.Failed)
	fmt.Fprintf(out, "Duration: %s\n", sum.Duration.Round(time.Millisecond))

	if len(snap.FailedEmails) == 0 {
		return
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FAILED\tORDERS\tRETRYABLE\tERROR")
	for _, f := range snap.FailedEmails {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", f.Email, len(f.Orders), yesNo(f.Retryable), f.Error)
	}
	w.Flush()
}
