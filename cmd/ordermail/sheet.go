package main

import (
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/ordermail/internal/app"
	"github.com/foxzi/ordermail/internal/roster"
	"github.com/foxzi/ordermail/internal/sheet"
)

var columnsCmd = &cobra.Command{
	Use:   "columns <file.xlsx>",
	Short: "Check that a spreadsheet has the columns needed for grouping",
	Args:  cobra.ExactArgs(1),
	RunE:  runColumns,
}

var splitCmd = &cobra.Command{
	Use:   "split <in.xlsx> <out.xlsx>",
	Short: "Split orders into sheets by phone number",
	Args:  cobra.ExactArgs(2),
	RunE:  runSplit,
}

func init() {
	rootCmd.AddCommand(columnsCmd, splitCmd)
}

// sheetColumns uses the configured columns when a config is given
func sheetColumns() (roster.Columns, error) {
	if cfgFile == "" {
		return roster.DefaultColumns(), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return roster.Columns{}, err
	}
	return app.Columns(cfg.Sheet), nil
}

func runColumns(cmd *cobra.Command, args []string) error {
	cols, err := sheetColumns()
	if err != nil {
		return err
	}

	table, err := sheet.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	report := sheet.CheckColumns(table, cols, sheet.DefaultOptionalColumns)
	printColumnReport(cmd.OutOrStdout(), report)

	if !report.OK() {
		return fmt.Errorf("missing required columns: %v", report.Missing())
	}
	return nil
}

func printColumnReport(out io.Writer, report *sheet.Report) {
	fmt.Fprintf(out, "Sheet: %s\n", report.Sheet)
	fmt.Fprintf(out, "Rows:  %d\n\n", report.Rows)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COLUMN\tREQUIRED\tFOUND")
	for _, c := range slices.Concat(report.Required, report.Optional) {
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.Column, yesNo(c.Required), yesNo(c.Found))
	}
	w.Flush()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func runSplit(cmd *cobra.Command, args []string) error {
	cols, err := sheetColumns()
	if err != nil {
		return err
	}

	table, err := sheet.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	f, report, err := sheet.SplitByPhone(table, cols.Phone)
	if err != nil {
		return fmt.Errorf("failed to split: %w", err)
	}
	defer f.Close()

	if err := f.SaveAs(args[1]); err != nil {
		return fmt.Errorf("failed to write %s: %w", args[1], err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Rows: %d, phones: %d (%d single, %d with several orders)\n",
		report.Rows, report.Phones, report.SinglePhones, report.MultiPhones)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SHEET\tPHONE\tORDERS")
	for _, s := range report.Sheets {
		fmt.Fprintf(w, "%s\t%s\t%d\n", s.Name, s.Phone, s.Orders)
	}
	w.Flush()

	fmt.Fprintf(out, "Saved %s\n", args[1])
	return nil
}
