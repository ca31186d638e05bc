package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/bom-pipeline/internal/model"
	"github.com/sells-group/bom-pipeline/internal/pipeline"
	"github.com/sells-group/bom-pipeline/internal/store"
)

// openControl returns a manager that only reads state and appends signals.
// The process owning each pipeline applies the signals via its poller.
func openControl(ctx context.Context) (*pipeline.Manager, store.Store, error) {
	if err := cfg.Validate("control"); err != nil {
		return nil, nil, err
	}
	st, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	return pipeline.NewManager(nil, st, pipeline.ManagerConfig{}), st, nil
}

var statusBOMID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current state of a pipeline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		m, st, err := openControl(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		state, err := m.Status(ctx, statusBOMID)
		if err != nil {
			return err
		}
		return printState(os.Stdout, state)
	},
}

func signalCmd(kind model.SignalKind, short string) *cobra.Command {
	var bomID string
	c := &cobra.Command{
		Use:   string(kind),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			m, st, err := openControl(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			return sendSignal(ctx, os.Stdout, m, bomID, kind)
		},
	}
	c.Flags().StringVar(&bomID, "bom-id", "", "BOM identifier (required)")
	_ = c.MarkFlagRequired("bom-id")
	return c
}

func sendSignal(ctx context.Context, w io.Writer, m *pipeline.Manager, bomID string, kind model.SignalKind) error {
	if _, err := m.Signal(ctx, bomID, kind); err != nil {
		return err
	}
	state, err := m.Status(ctx, bomID)
	if err != nil {
		return err
	}
	if state.Status.IsTerminal() {
		_, _ = fmt.Fprintf(w, "%s: pipeline is %s, %s ignored\n", bomID, state.Status, kind)
		return nil
	}
	_, _ = fmt.Fprintf(w, "%s: %s signal recorded (status %s, stage %s)\n", bomID, kind, state.Status, state.CurrentStage)
	return nil
}

func init() {
	statusCmd.Flags().StringVar(&statusBOMID, "bom-id", "", "BOM identifier (required)")
	_ = statusCmd.MarkFlagRequired("bom-id")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(signalCmd(model.SignalPause, "Pause a pipeline at the next item or stage boundary"))
	rootCmd.AddCommand(signalCmd(model.SignalResume, "Resume a paused pipeline"))
	rootCmd.AddCommand(signalCmd(model.SignalCancel, "Cancel a pipeline after in-flight items drain"))
}
