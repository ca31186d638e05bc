package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bom-pipeline/internal/model"
	"github.com/sells-group/bom-pipeline/internal/pipeline"
	"github.com/sells-group/bom-pipeline/internal/store"
)

var (
	runBOMID          string
	runOrgID          string
	runFile           string
	runSkipEnrichment bool
	runSkipRisk       bool
	runLevel          string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Import a BOM file and run its pipeline to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		path, err := filepath.Abs(runFile)
		if err != nil {
			return eris.Wrap(err, "resolve file path")
		}

		// A stored pipeline keeps its line items; re-importing would change
		// the set of items already audited.
		_, err = env.Store.GetPipeline(ctx, runBOMID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if _, err := pipeline.ImportLineItems(ctx, env.Store, runBOMID, path); err != nil {
				return err
			}
		case err != nil:
			return eris.Wrap(err, "load pipeline")
		default:
			zap.L().Info("resuming existing pipeline", zap.String("bom_id", runBOMID))
		}

		req := model.BOMProcessingRequest{
			BOMID:            runBOMID,
			OrganizationID:   runOrgID,
			Filename:         path,
			SkipEnrichment:   runSkipEnrichment,
			SkipRiskAnalysis: runSkipRisk,
			EnrichmentLevel:  model.EnrichmentLevel(runLevel),
		}

		st, err := runToCompletion(ctx, env, req)
		if err != nil {
			return err
		}
		return printState(os.Stdout, st)
	},
}

// runToCompletion starts req and waits for a terminal state. On interrupt
// the executions are stopped with their state left for the next run.
func runToCompletion(ctx context.Context, env *pipelineEnv, req model.BOMProcessingRequest) (*model.PipelineState, error) {
	shutdown := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := env.Manager.Shutdown(sctx); err != nil {
			zap.L().Warn("pipeline shutdown incomplete", zap.Error(err))
		}
	}
	defer shutdown()

	if _, err := env.Manager.Start(ctx, req); err != nil {
		return nil, eris.Wrap(err, "start pipeline")
	}

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	go env.Manager.RunPoller(pollCtx)

	st, err := env.Manager.Wait(ctx, req.BOMID)
	if err != nil {
		return st, eris.Wrap(err, "pipeline run")
	}

	zap.L().Info("pipeline finished",
		zap.String("bom_id", st.BOMID),
		zap.String("status", string(st.Status)),
		zap.Int("total_items", st.TotalItems),
		zap.Int("enriched_items", st.EnrichedItems),
		zap.Int("failed_items", st.FailedItems),
		zap.String("health_grade", st.HealthGrade),
		zap.Bool("degraded", st.Degraded()),
	)
	return st, nil
}

func printState(w io.Writer, st *model.PipelineState) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func init() {
	runCmd.Flags().StringVar(&runBOMID, "bom-id", "", "BOM identifier (required)")
	runCmd.Flags().StringVar(&runOrgID, "org-id", "", "organization identifier (required)")
	runCmd.Flags().StringVar(&runFile, "file", "", "BOM file: .csv, .xlsx or .yaml (required)")
	runCmd.Flags().BoolVar(&runSkipEnrichment, "skip-enrichment", false, "skip the enrichment stage")
	runCmd.Flags().BoolVar(&runSkipRisk, "skip-risk", false, "skip the risk analysis stage")
	runCmd.Flags().StringVar(&runLevel, "level", "standard", "enrichment level: basic, standard or comprehensive")
	_ = runCmd.MarkFlagRequired("bom-id")
	_ = runCmd.MarkFlagRequired("org-id")
	_ = runCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(runCmd)
}
