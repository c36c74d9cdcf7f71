package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/ordermail/internal/smtp"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimOut      string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a DKIM key and print the DNS record",
	RunE:  runDKIMGenerate,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the DNS record for the configured DKIM key",
	RunE:  runDKIMShow,
}

func init() {
	dkimGenerateCmd.Flags().StringVarP(&dkimDomain, "domain", "d", "", "Sender domain (required)")
	dkimGenerateCmd.Flags().StringVarP(&dkimSelector, "selector", "s", "mail", "DKIM selector")
	dkimGenerateCmd.Flags().StringVarP(&dkimOut, "out", "o", "", "Private key path (required)")
	dkimGenerateCmd.MarkFlagRequired("domain")
	dkimGenerateCmd.MarkFlagRequired("out")

	dkimCmd.AddCommand(dkimGenerateCmd, dkimShowCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	signer, err := smtp.GenerateSigner(dkimOut, dkimDomain, dkimSelector)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Private key saved to %s\n\n", dkimOut)
	return printDKIMRecord(cmd, signer)
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.DKIM.Enabled {
		return fmt.Errorf("dkim is not enabled in %s", cfgFile)
	}

	signer, err := smtp.NewSignerFromFile(cfg.DKIM.KeyFile, cfg.DKIM.Domain, cfg.DKIM.Selector)
	if err != nil {
		return err
	}
	return printDKIMRecord(cmd, signer)
}

func printDKIMRecord(cmd *cobra.Command, signer *smtp.Signer) error {
	record, err := signer.DNSRecord()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Add this TXT record to DNS:\n\n")
	fmt.Fprintf(out, "  Name:  %s\n", signer.DNSName())
	fmt.Fprintf(out, "  Value: %s\n", record)
	return nil
}
