// Package runner drives prior/posterior sampling for a single experiment:
// it walks the inference state machine, retries failed sampling attempts
// with jittered backoff, checkpoints progress, and persists the resulting
// inference data.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/psoares-cs/coordination/internal/bundle"
	"github.com/psoares-cs/coordination/internal/checkpoint"
	"github.com/psoares-cs/coordination/internal/constants"
	"github.com/psoares-cs/coordination/internal/inference"
	"github.com/psoares-cs/coordination/internal/model"
)

// Runner states, recorded per attempt in the checkpoint store.
const (
	StateBuilding            = "BUILDING"
	StatePreparing           = "PREPARING"
	StateSamplingPrior       = "SAMPLING_PRIOR"
	StateSamplingPosterior   = "SAMPLING_POSTERIOR"
	StatePredictingPosterior = "PREDICTING_POSTERIOR"
	StatePersisting          = "PERSISTING"
	StateDone                = "DONE"
	StateFailed              = "FAILED"
)

// fullRunTimePoint marks a non-windowed run in the checkpoint store.
const fullRunTimePoint = -1

// Params configures one inference run. The JSON form is embedded in
// execution manifests, so every field is tagged.
type Params struct {
	DoPrior     bool `json:"do_prior"`
	DoPosterior bool `json:"do_posterior"`

	Seed              int     `json:"seed"`
	BurnIn            int     `json:"burn_in"`
	NumSamples        int     `json:"num_samples"`
	NumChains         int     `json:"num_chains"`
	NumJobs           int     `json:"num_jobs"`
	InitMethod        string  `json:"init_method"`
	TargetAccept      float64 `json:"target_accept"`
	ProgressFrequency int     `json:"progress_frequency"`

	// DoPPA enables posterior predictive analysis: the model is refit at a
	// set of truncated horizons and posterior predictive draws cover the
	// window past each one.
	DoPPA         bool  `json:"do_ppa"`
	PPAWindow     int   `json:"ppa_window"`
	NumPPAPoints  int   `json:"num_ppa_points"`
	PPATimePoints []int `json:"ppa_time_points,omitempty"`
}

// Validate rejects parameter combinations before any model is built.
func (p *Params) Validate() error {
	if !p.DoPrior && !p.DoPosterior {
		return fmt.Errorf("nothing to sample: both prior and posterior are disabled")
	}
	if p.DoPosterior {
		if p.NumSamples <= 0 {
			return fmt.Errorf("num samples must be positive, got %d", p.NumSamples)
		}
		if p.NumChains <= 0 {
			return fmt.Errorf("num chains must be positive, got %d", p.NumChains)
		}
		if p.BurnIn < 0 {
			return fmt.Errorf("burn-in must be non-negative, got %d", p.BurnIn)
		}
	}
	if p.DoPPA {
		if !p.DoPosterior {
			return fmt.Errorf("posterior predictive analysis requires posterior sampling")
		}
		if p.PPAWindow <= 0 {
			return fmt.Errorf("analysis window must be positive, got %d", p.PPAWindow)
		}
	}
	return nil
}

// Runner drives prior/posterior sampling for one experiment through the
// retry state machine and persists the resulting inference data. Failed
// sampling attempts rebuild the model from scratch; partially sampled state
// is never reused.
type Runner struct {
	ExperimentID string
	Builder      model.Builder
	Bundle       bundle.Bundle
	OutDir       string
	Params       Params
	Log          *slog.Logger

	// Sleep and Rand are seams for tests; nil means real time and a
	// time-seeded source.
	Sleep        func(time.Duration)
	Rand         *rand.Rand
	NewAttemptID func() string
}

func (r *Runner) sleep(d time.Duration) {
	if r.Sleep != nil {
		r.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (r *Runner) rng() *rand.Rand {
	if r.Rand == nil {
		r.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return r.Rand
}

func (r *Runner) attemptID() string {
	if r.NewAttemptID != nil {
		return r.NewAttemptID()
	}
	return uuid.NewString()
}

func (r *Runner) log() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log.With("experiment", r.ExperimentID)
}

// Run executes the configured inference for the experiment. For a plain run
// it fits the full horizon once; with PPA enabled it refits the model at each
// truncated horizon and writes one artifact per horizon under OutDir/ppa.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Params.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(r.OutDir, 0755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	store, err := checkpoint.Open(filepath.Join(r.OutDir, "progress.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	if !r.Params.DoPPA {
		return r.runOnce(ctx, store, fullRunTimePoint, r.OutDir)
	}

	points, err := r.ppaTimePoints()
	if err != nil {
		return err
	}
	r.log().Info("posterior predictive analysis",
		"window", r.Params.PPAWindow, "time_points", points)

	horizon, _ := bundle.Get(r.Bundle, "num_time_steps_to_fit")
	defer bundle.Set(r.Bundle, "num_time_steps_to_fit", horizon)

	for _, t := range points {
		if err := bundle.Set(r.Bundle, "num_time_steps_to_fit", t); err != nil {
			return err
		}
		dir := filepath.Join(r.OutDir, "ppa", fmt.Sprintf("t%d", t))
		if err := r.runOnce(ctx, store, t, dir); err != nil {
			return fmt.Errorf("horizon %d: %w", t, err)
		}
	}
	return nil
}

// ppaTimePoints resolves the truncated fitting horizons. Explicit points are
// validated against the admissible range; otherwise up to NumPPAPoints are
// sampled without replacement from [T/2, T-window), where T is the full
// fitting horizon.
func (r *Runner) ppaTimePoints() ([]int, error) {
	total := r.horizon()
	if total <= 0 {
		return nil, fmt.Errorf("config bundle declares no fitting horizon")
	}
	lo := total / 2
	hi := total - r.Params.PPAWindow
	// The usable range must hold at least one full window's worth of
	// candidate points, else the analysis is meaningless.
	if hi-lo < r.Params.PPAWindow {
		return nil, fmt.Errorf("horizon %d leaves %d candidate points in [%d, %d), need at least the window size %d",
			total, hi-lo, lo, hi, r.Params.PPAWindow)
	}

	if len(r.Params.PPATimePoints) > 0 {
		points := append([]int{}, r.Params.PPATimePoints...)
		sort.Ints(points)
		for i, p := range points {
			if p < lo || p >= hi {
				return nil, fmt.Errorf("time point %d outside admissible range [%d, %d)", p, lo, hi)
			}
			if i > 0 && points[i-1] == p {
				return nil, fmt.Errorf("duplicate time point %d", p)
			}
		}
		return points, nil
	}

	n := r.Params.NumPPAPoints
	if n <= 0 {
		n = constants.DefaultNumTimePointsPPA
	}
	if span := hi - lo; n > span {
		n = span
	}
	perm := r.rng().Perm(hi - lo)
	points := make([]int, n)
	for i := 0; i < n; i++ {
		points[i] = lo + perm[i]
	}
	sort.Ints(points)
	return points, nil
}

// horizon returns the declared fitting horizon: the explicit truncation if
// set, the full coordination scale otherwise.
func (r *Runner) horizon() int {
	if v, ok := bundle.Get(r.Bundle, "num_time_steps_to_fit"); ok {
		if n, ok := v.(int); ok && n > 0 {
			return n
		}
	}
	if v, ok := bundle.Get(r.Bundle, "num_time_steps_in_coordination_scale"); ok {
		if n, ok := v.(int); ok {
			return n
		}
	}
	return 0
}

// runOnce drives the state machine for one horizon, retrying failed attempts
// with a jittered delay. The artifact is only written on success; a run that
// exhausts its retries leaves no inference data behind.
func (r *Runner) runOnce(ctx context.Context, store *checkpoint.Store, timePoint int, dir string) error {
	log := r.log()
	if timePoint != fullRunTimePoint {
		log = log.With("time_point", timePoint)
	}

	var lastErr error
	for attempt := 1; attempt <= constants.MaxInferenceRetries; attempt++ {
		attemptID := r.attemptID()
		if err := store.StartAttempt(ctx, attemptID, r.ExperimentID, timePoint, StateBuilding); err != nil {
			return err
		}

		err := r.attempt(ctx, store, log.With("attempt", attempt), attemptID, timePoint, dir)
		if err == nil {
			if cerr := store.FinishAttempt(ctx, attemptID, StateDone, ""); cerr != nil {
				log.Warn("recording attempt completion failed", "error", cerr)
			}
			return nil
		}
		if cerr := store.FinishAttempt(ctx, attemptID, StateFailed, err.Error()); cerr != nil {
			log.Warn("recording attempt failure failed", "error", cerr)
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < constants.MaxInferenceRetries {
			wait := constants.MinRetryWait +
				time.Duration(r.rng().Int63n(int64(constants.MaxRetryWait-constants.MinRetryWait)))
			log.Warn("inference attempt failed; retrying",
				"attempt", attempt, "wait", wait, "error", err)
			r.sleep(wait)
		}
	}

	log.Error("inference failed after max retries",
		"retries", constants.MaxInferenceRetries, "error", lastErr)
	return fmt.Errorf("inference failed after %d attempts: %w", constants.MaxInferenceRetries, lastErr)
}

// attempt walks one pass of the state machine. Prior and posterior predictive
// failures are logged and skipped; a posterior or persistence failure aborts
// the attempt so the caller can retry with a fresh model.
func (r *Runner) attempt(ctx context.Context, store *checkpoint.Store, log *slog.Logger, attemptID string, timePoint int, dir string) error {
	step := func(state string) {
		log.Info("state", "state", state)
		if err := store.UpdateAttempt(ctx, attemptID, state); err != nil {
			log.Warn("recording state failed", "state", state, "error", err)
		}
	}

	step(StateBuilding)
	m, err := r.Builder.Build(ctx, r.Bundle)
	if err != nil {
		return fmt.Errorf("building model: %w", err)
	}

	step(StatePreparing)
	if err := m.Prepare(ctx); err != nil {
		return fmt.Errorf("preparing model: %w", err)
	}
	if declared := r.horizon(); declared > 0 && m.NumTimeSteps() > declared {
		return fmt.Errorf("model spans %d time steps but the bundle declares %d",
			m.NumTimeSteps(), declared)
	}
	log.Info("model prepared", "num_time_steps", m.NumTimeSteps())

	data := inference.New()

	if r.Params.DoPrior {
		step(StateSamplingPrior)
		prior, err := m.SamplePrior(ctx, model.PriorParams{
			NumSamples: r.Params.NumSamples,
			Seed:       r.Params.Seed,
		})
		if err != nil {
			// Prior draws are diagnostic; their loss does not void the run.
			log.Warn("prior sampling failed; continuing without prior draws", "error", err)
		} else if err := data.Add(prior); err != nil {
			return err
		}
	}

	if r.Params.DoPosterior {
		step(StateSamplingPosterior)
		posterior, err := m.SamplePosterior(ctx, model.PosteriorParams{
			BurnIn:            r.Params.BurnIn,
			NumSamples:        r.Params.NumSamples,
			NumChains:         r.Params.NumChains,
			NumJobs:           r.Params.NumJobs,
			InitMethod:        r.Params.InitMethod,
			TargetAccept:      r.Params.TargetAccept,
			Seed:              r.Params.Seed,
			ProgressFrequency: r.Params.ProgressFrequency,
			Progress: func(chain, draws int) {
				log.Log(ctx, slog.LevelDebug, "sampling progress", "chain", chain, "draws", draws)
				if err := store.RecordProgress(ctx, r.ExperimentID, timePoint, chain, draws); err != nil {
					log.Warn("recording progress failed", "error", err)
				}
			},
		})
		if err != nil {
			return fmt.Errorf("posterior sampling: %w", err)
		}
		if err := data.Add(posterior); err != nil {
			return err
		}

		if timePoint != fullRunTimePoint {
			step(StatePredictingPosterior)
			predicted, err := m.PredictPosterior(ctx, data, r.Params.Seed)
			if err != nil {
				log.Warn("posterior predictive sampling failed; continuing without predictions", "error", err)
			} else if err := data.Add(predicted); err != nil {
				return err
			}
		}
	}

	step(StatePersisting)
	if err := data.Save(dir); err != nil {
		return fmt.Errorf("persisting inference data: %w", err)
	}

	if data.Has(inference.GroupPosterior) {
		log.Info("inference complete",
			"posterior_samples", data.TotalPosteriorSamples(),
			"divergence_rate_pct", fmt.Sprintf("%.2f", data.DivergenceRate()))
	} else {
		log.Info("inference complete")
	}
	return nil
}
