package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/psoares-cs/coordination/internal/bundle"
	"github.com/psoares-cs/coordination/internal/config"
	"github.com/psoares-cs/coordination/internal/dispatch"
	"github.com/psoares-cs/coordination/internal/evidence"
	"github.com/psoares-cs/coordination/internal/mapper"
)

func newInferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Run inference sequentially over a batch of experiments",
		Long: `Run inference for each experiment in turn, in this process.

Every experiment gets its own output directory with its inference data,
log file and progress database. A failing experiment is reported and the
batch moves on to the next one.

Block processes spawned by 'coordination parallel' call this command with
--manifest and --block instead of individual flags.

Examples:
  coordination infer --evidence data.csv --mapping vocalic.json
  coordination infer --evidence data.csv --mapping vocalic.json --experiments e1,e2 --ppa`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cfg, cmd)

			manifestPath, _ := cmd.Flags().GetString("manifest")
			if manifestPath != "" {
				blockIdx, _ := cmd.Flags().GetInt("block")
				return runManifestBlock(cmd, cfg, manifestPath, blockIdx)
			}

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

			experiments, _ := cmd.Flags().GetStringSlice("experiments")
			if len(experiments) == 0 {
				experiments = table.ExperimentIDs()
			}

			outDir, err := resolveOutDir(cmd, cfg)
			if err != nil {
				return err
			}

			seq := &dispatch.Sequential{
				Evidence:  table,
				Mapping:   spec,
				Builder:   builder,
				Overrides: overrides,
				OutDir:    outDir,
				Params:    samplingParams(cmd),
				LogLevel:  cfg.Logging.Level,
				Console:   cmd.ErrOrStderr(),
				Log:       log,
			}

			report, err := seq.Run(cmd.Context(), experiments)
			if err != nil {
				return err
			}
			printReport(cmd, report)
			return nil
		},
	}

	addEvidenceFlags(cmd)
	addSamplingFlags(cmd)
	cmd.Flags().String("manifest", "", "Execution manifest of a parallel run (used by block processes)")
	cmd.Flags().Int("block", 0, "Block index within the manifest")

	return cmd
}

// runManifestBlock resolves everything from a frozen manifest so every block
// of a parallel run uses identical parameters.
func runManifestBlock(cmd *cobra.Command, cfg *config.Config, manifestPath string, blockIdx int) error {
	m, err := dispatch.LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	experiments, err := m.Block(blockIdx)
	if err != nil {
		return err
	}

	log := newLogger(cfg, cmd).With("run_id", m.RunID, "block", blockIdx)

	builder, err := newRegistry(cfg, log).Lookup(m.ModelName)
	if err != nil {
		return err
	}
	spec, err := mapper.ParseSpec(m.Mapping)
	if err != nil {
		return err
	}
	table, err := evidence.Load(m.EvidencePath)
	if err != nil {
		return err
	}
	defer table.Release()

	seq := &dispatch.Sequential{
		Evidence:  table,
		Mapping:   spec,
		Builder:   builder,
		Overrides: m.Overrides,
		OutDir:    m.OutDir,
		Params:    m.Params,
		LogLevel:  m.LogLevel,
		Console:   cmd.ErrOrStderr(),
		Log:       log,
	}

	report, err := seq.Run(cmd.Context(), experiments)
	if err != nil {
		return err
	}
	printReport(cmd, report)
	return nil
}

func loadBundleOverrides(cmd *cobra.Command) (map[string]json.RawMessage, error) {
	path, _ := cmd.Flags().GetString("bundle-overrides")
	if path == "" {
		return nil, nil
	}
	return bundle.LoadOverrides(path)
}

// printReport summarizes a batch. Failed or missing experiments are already
// logged and isolated per experiment; they never turn into a nonzero exit,
// which is reserved for precondition and mapping errors.
func printReport(cmd *cobra.Command, report dispatch.Report) {
	jsonOut, _ := cmd.Flags().GetBool("json")
	if jsonOut {
		json.NewEncoder(os.Stdout).Encode(map[string]any{
			"succeeded": report.Succeeded,
			"failed":    report.Failed,
			"missing":   report.Missing,
			"ok":        report.Ok(),
		})
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Succeeded: %d\n", len(report.Succeeded))
	if len(report.Failed) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Failed: %s\n", strings.Join(report.Failed, ", "))
	}
	if len(report.Missing) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Not in evidence file: %s\n", strings.Join(report.Missing, ", "))
	}
}
