package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/psoares-cs/coordination/internal/config"
	"github.com/psoares-cs/coordination/internal/constants"
	"github.com/psoares-cs/coordination/internal/engine"
	"github.com/psoares-cs/coordination/internal/evidence"
	"github.com/psoares-cs/coordination/internal/logging"
	"github.com/psoares-cs/coordination/internal/model"
	"github.com/psoares-cs/coordination/internal/runner"
)

// addEvidenceFlags declares the flags naming the batch: what data, which
// model, which experiments.
func addEvidenceFlags(cmd *cobra.Command) {
	cmd.Flags().String("evidence", "", "Evidence CSV file (required)")
	cmd.Flags().String("model", "vocalic", "Model to fit (vocalic, vocalic_semantic)")
	cmd.Flags().String("mapping", "", "JSON file mapping evidence columns to bundle attributes (required)")
	cmd.Flags().String("bundle-overrides", "", "JSON file overriding bundle hyperparameters")
	cmd.Flags().StringSlice("experiments", nil, "Experiment ids to run (default: all in the evidence file)")
	cmd.Flags().String("out-dir", "", "Root directory for artifacts (default from config)")
}

// addSamplingFlags declares the sampler tuning flags shared by the
// sequential and parallel commands.
func addSamplingFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("prior", true, "Draw prior predictive samples")
	cmd.Flags().Bool("posterior", true, "Fit the posterior")
	cmd.Flags().Int("seed", constants.DefaultSeed, "Random seed")
	cmd.Flags().Int("burn-in", constants.DefaultBurnIn, "Warm-up samples discarded per chain")
	cmd.Flags().Int("num-samples", constants.DefaultNumSamples, "Posterior samples per chain")
	cmd.Flags().Int("num-chains", constants.DefaultNumChains, "Independent NUTS chains")
	cmd.Flags().Int("num-jobs-per-inference", constants.DefaultNumJobsPerInference,
		"Sampler workers per inference (capped at the chain count)")
	cmd.Flags().String("nuts-init", constants.DefaultNUTSInitMethod, "NUTS initialization method")
	cmd.Flags().Float64("target-accept", constants.DefaultTargetAccept, "NUTS target acceptance rate")
	cmd.Flags().Int("progress-frequency", constants.DefaultProgressFrequency,
		"Draws between progress checkpoints")

	cmd.Flags().Bool("ppa", false, "Run posterior predictive analysis over truncated horizons")
	cmd.Flags().Int("ppa-window", constants.DefaultPPAWindow, "Forecast window past each truncated horizon")
	cmd.Flags().Int("num-ppa-time-points", constants.DefaultNumTimePointsPPA,
		"Truncated horizons to sample when none are given")
	cmd.Flags().IntSlice("ppa-time-points", nil, "Explicit truncated horizons (default: sampled)")
}

// samplingParams collects the sampler flags into runner parameters.
func samplingParams(cmd *cobra.Command) runner.Params {
	prior, _ := cmd.Flags().GetBool("prior")
	posterior, _ := cmd.Flags().GetBool("posterior")
	seed, _ := cmd.Flags().GetInt("seed")
	burnIn, _ := cmd.Flags().GetInt("burn-in")
	numSamples, _ := cmd.Flags().GetInt("num-samples")
	numChains, _ := cmd.Flags().GetInt("num-chains")
	numJobs, _ := cmd.Flags().GetInt("num-jobs-per-inference")
	initMethod, _ := cmd.Flags().GetString("nuts-init")
	targetAccept, _ := cmd.Flags().GetFloat64("target-accept")
	progressFreq, _ := cmd.Flags().GetInt("progress-frequency")
	ppa, _ := cmd.Flags().GetBool("ppa")
	ppaWindow, _ := cmd.Flags().GetInt("ppa-window")
	numPPAPoints, _ := cmd.Flags().GetInt("num-ppa-time-points")
	ppaPoints, _ := cmd.Flags().GetIntSlice("ppa-time-points")

	return runner.Params{
		DoPrior:           prior,
		DoPosterior:       posterior,
		Seed:              seed,
		BurnIn:            burnIn,
		NumSamples:        numSamples,
		NumChains:         numChains,
		NumJobs:           numJobs,
		InitMethod:        initMethod,
		TargetAccept:      targetAccept,
		ProgressFrequency: progressFreq,
		DoPPA:             ppa,
		PPAWindow:         ppaWindow,
		NumPPAPoints:      numPPAPoints,
		PPATimePoints:     ppaPoints,
	}
}

// selectExperiments intersects the requested experiment ids with the ones
// the evidence table holds. An empty request selects every experiment.
func selectExperiments(table *evidence.Table, requested []string) (ids, missing []string) {
	if len(requested) == 0 {
		return table.ExperimentIDs(), nil
	}
	for _, id := range requested {
		if _, ok := table.Row(id); ok {
			ids = append(ids, id)
		} else {
			missing = append(missing, id)
		}
	}
	return ids, missing
}

// loadConfig resolves the config honoring the global --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newRegistry wires the engine adapter into the model registry.
func newRegistry(cfg *config.Config, log *slog.Logger) *model.Registry {
	return model.NewRegistry(&engine.CmdEngine{
		Command: cfg.Engine.Command,
		Args:    cfg.Engine.Args,
		Log:     log,
	})
}

// newLogger builds the console logger at the configured level.
func newLogger(cfg *config.Config, cmd *cobra.Command) *slog.Logger {
	return logging.NewLogger(cfg.Logging.Level, cmd.ErrOrStderr())
}

// resolveOutDir picks the artifact root: the flag when given, the config
// default otherwise.
func resolveOutDir(cmd *cobra.Command, cfg *config.Config) (string, error) {
	outDir, _ := cmd.Flags().GetString("out-dir")
	if outDir == "" {
		outDir = cfg.OutDir
	}
	if outDir == "" {
		return "", fmt.Errorf("no output directory: pass --out-dir or set out_dir in the config")
	}
	return outDir, nil
}
