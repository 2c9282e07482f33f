// Package dispatch runs inference over batches of experiments: sequentially
// within one process, or split into blocks dispatched as independent OS
// processes hosted in a tmux session.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/psoares-cs/coordination/internal/bundle"
	"github.com/psoares-cs/coordination/internal/evidence"
	"github.com/psoares-cs/coordination/internal/logging"
	"github.com/psoares-cs/coordination/internal/mapper"
	"github.com/psoares-cs/coordination/internal/model"
	"github.com/psoares-cs/coordination/internal/runner"
)

// Report summarizes a batch run. An experiment lands in exactly one bucket.
type Report struct {
	Succeeded []string
	Failed    []string
	Missing   []string
}

// Ok reports whether every requested experiment succeeded.
func (r Report) Ok() bool {
	return len(r.Failed) == 0 && len(r.Missing) == 0
}

// Sequential runs experiments one at a time in the current process. Each
// experiment gets its own output directory and log file; a failure in one
// experiment never prevents the remaining ones from running.
type Sequential struct {
	Evidence  *evidence.Table
	Mapping   *mapper.Spec
	Builder   model.Builder
	Overrides map[string]json.RawMessage
	OutDir    string
	Params    runner.Params
	LogLevel  string

	// Console receives every experiment's log records in addition to its
	// log file. May be nil.
	Console io.Writer
	Log     *slog.Logger

	// Exec is a seam for tests; nil runs the runner directly.
	Exec func(ctx context.Context, r *runner.Runner) error
}

func (d *Sequential) log() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}

// Validate checks the mapping against the bundle schema and the evidence
// columns, and the sampling parameters, without mutating anything. Run calls
// it first; callers may also use it as a standalone preflight.
func (d *Sequential) Validate() error {
	if err := d.Params.Validate(); err != nil {
		return err
	}
	return d.Mapping.Validate(d.Builder.NewConfigBundle(), d.Evidence.Columns())
}

// Run executes inference for the given experiments in order. Experiments
// missing from the evidence table are skipped and reported; the returned
// error is reserved for setup problems that invalidate the whole batch.
func (d *Sequential) Run(ctx context.Context, experimentIDs []string) (Report, error) {
	var report Report
	if err := d.Validate(); err != nil {
		return report, err
	}

	for _, id := range experimentIDs {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		row, ok := d.Evidence.Row(id)
		if !ok {
			d.log().Warn("experiment not in evidence table; skipping", "experiment", id)
			report.Missing = append(report.Missing, id)
			continue
		}

		if err := d.runExperiment(ctx, id, row); err != nil {
			d.log().Error("experiment failed", "experiment", id, "error", err)
			report.Failed = append(report.Failed, id)
			continue
		}
		report.Succeeded = append(report.Succeeded, id)
	}

	d.log().Info("batch finished",
		"succeeded", len(report.Succeeded),
		"failed", len(report.Failed),
		"missing", len(report.Missing))
	return report, nil
}

func (d *Sequential) runExperiment(ctx context.Context, id string, row evidence.Row) error {
	b := d.Builder.NewConfigBundle()
	if len(d.Overrides) > 0 {
		if err := bundle.ApplyOverrides(b, d.Overrides); err != nil {
			return fmt.Errorf("applying bundle overrides: %w", err)
		}
	}
	if err := d.Mapping.UpdateConfigBundle(b, row); err != nil {
		return err
	}

	dir := filepath.Join(d.OutDir, id)
	elog, err := logging.NewExperimentLog(dir, d.LogLevel, d.Console)
	if err != nil {
		return err
	}
	defer elog.Close()
	elog.Info("starting inference", "experiment", id, "model", d.Builder.Name(), "out_dir", dir)

	r := &runner.Runner{
		ExperimentID: id,
		Builder:      d.Builder,
		Bundle:       b,
		OutDir:       dir,
		Params:       d.Params,
		Log:          elog.Logger,
	}
	if d.Exec != nil {
		return d.Exec(ctx, r)
	}
	return r.Run(ctx)
}
