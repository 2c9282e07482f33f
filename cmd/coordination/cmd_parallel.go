package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/psoares-cs/coordination/internal/constants"
	"github.com/psoares-cs/coordination/internal/dispatch"
	"github.com/psoares-cs/coordination/internal/evidence"
	"github.com/psoares-cs/coordination/internal/mapper"
)

func newParallelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parallel",
		Short: "Dispatch a batch as parallel blocks in a tmux session",
		Long: `Split the experiments into blocks and run each block as its own OS
process in a window of a detached tmux session named after the run id.

The command validates the mapping and the capacity budget, writes the
execution manifest, starts the blocks and exits. Attach to the session to
watch progress:

  tmux attach -t <run-id>

Example:
  coordination parallel --evidence data.csv --mapping vocalic.json --num-inference-jobs 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cfg, cmd)

			evidencePath, _ := cmd.Flags().GetString("evidence")
			mappingPath, _ := cmd.Flags().GetString("mapping")
			if evidencePath == "" {
				return fmt.Errorf("--evidence is required")
			}
			if mappingPath == "" {
				return fmt.Errorf("--mapping is required")
			}

			modelName, _ := cmd.Flags().GetString("model")
			builder, err := newRegistry(cfg, log).Lookup(modelName)
			if err != nil {
				return err
			}

			spec, err := mapper.LoadSpec(mappingPath)
			if err != nil {
				return err
			}
			overrides, err := loadBundleOverrides(cmd)
			if err != nil {
				return err
			}

			table, err := evidence.Load(evidencePath)
			if err != nil {
				return err
			}
			defer table.Release()

			// Fail the whole dispatch before any block starts if the mapping
			// cannot apply.
			if err := spec.Validate(builder.NewConfigBundle(), table.Columns()); err != nil {
				return err
			}

			params := samplingParams(cmd)
			if err := params.Validate(); err != nil {
				return err
			}

			requested, _ := cmd.Flags().GetStringSlice("experiments")
			experiments, missing := selectExperiments(table, requested)
			for _, id := range missing {
				log.Warn("experiment not in evidence file, skipping", "experiment", id)
			}
			if len(experiments) == 0 {
				return fmt.Errorf("none of the requested experiments are in the evidence file")
			}

			outDir, err := resolveOutDir(cmd, cfg)
			if err != nil {
				return err
			}
			// Blocks run from arbitrary working directories.
			outDir, err = filepath.Abs(outDir)
			if err != nil {
				return err
			}
			absEvidence, err := filepath.Abs(evidencePath)
			if err != nil {
				return err
			}

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolving own executable: %w", err)
			}

			numJobs, _ := cmd.Flags().GetInt("num-inference-jobs")
			par := &dispatch.Parallel{
				Executable:      exe,
				NumJobs:         numJobs,
				CoreReservation: cfg.Dispatch.CoreReservation,
				Tmux:            &dispatch.Tmux{Binary: cfg.Dispatch.TmuxBinary},
				Log:             log,
			}

			runID, err := par.Dispatch(experiments, &dispatch.Manifest{
				ModelName:    modelName,
				EvidencePath: absEvidence,
				OutDir:       outDir,
				Mapping:      *spec,
				Overrides:    overrides,
				Params:       params,
				LogLevel:     cfg.Logging.Level,
			})
			if err != nil {
				return err
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(os.Stdout).Encode(map[string]any{
					"run_id":      runID,
					"experiments": len(experiments),
					"blocks":      numJobs,
				})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Dispatched run %s (%d experiments)\n", runID, len(experiments))
				fmt.Fprintf(cmd.OutOrStdout(), "Attach with: tmux attach -t %s\n", runID)
			}
			return nil
		},
	}

	addEvidenceFlags(cmd)
	addSamplingFlags(cmd)
	cmd.Flags().Int("num-inference-jobs", constants.DefaultNumInferenceJobs,
		"Experiment blocks to run in parallel")

	return cmd
}
