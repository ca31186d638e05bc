package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/bom-pipeline/internal/pipeline"
)

var (
	importBOMID string
	importFile  string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Parse a BOM file and store its line items",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("import"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := pipeline.ImportLineItems(ctx, st, importBOMID, importFile)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(os.Stdout, "imported %d line items for %s\n", n, importBOMID)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importBOMID, "bom-id", "", "BOM identifier (required)")
	importCmd.Flags().StringVar(&importFile, "file", "", "BOM file: .csv, .xlsx or .yaml (required)")
	_ = importCmd.MarkFlagRequired("bom-id")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
