// Package engine is the narrow boundary to the external
// probabilistic-programming engine that owns model definitions and the NUTS
// sampler. The orchestrator never reimplements sampling; it builds a graph
// from a config bundle, asks for draws, and collects inference traces.
package engine

import (
	"context"

	"github.com/psoares-cs/coordination/internal/inference"
)

// GraphSpec describes the random-variable graph to materialize: a model
// variant name plus the full attribute map of its config bundle.
type GraphSpec struct {
	ModelName  string         `json:"model_name"`
	Attributes map[string]any `json:"attributes"`
}

// PrepareInfo is what the engine reports after materializing a graph.
type PrepareInfo struct {
	// NumTimeSteps is the engine-side length of the coordination scale.
	// Contract: positive and no larger than the bundle's declared horizon.
	NumTimeSteps int `json:"num_time_steps"`
}

// PriorRequest configures prior predictive sampling.
type PriorRequest struct {
	NumSamples int `json:"num_samples"`
	Seed       int `json:"seed"`
}

// PosteriorRequest configures NUTS posterior sampling.
type PosteriorRequest struct {
	BurnIn            int     `json:"burn_in"`
	NumSamples        int     `json:"num_samples"`
	NumChains         int     `json:"num_chains"`
	NumJobs           int     `json:"num_jobs"`
	InitMethod        string  `json:"init_method"`
	TargetAccept      float64 `json:"target_accept"`
	Seed              int     `json:"seed"`
	ProgressFrequency int     `json:"progress_frequency"`
}

// PredictRequest configures posterior predictive sampling over an existing
// posterior trace.
type PredictRequest struct {
	Seed int `json:"seed"`
}

// ProgressFunc is invoked synchronously from the sampler's control thread
// every ProgressFrequency draws per chain.
type ProgressFunc func(chain, draws int)

// Graph is one materialized model instance. A graph that failed mid-sampling
// must be rebuilt; Prepare is not re-entrant.
type Graph interface {
	// Prepare materializes the random-variable graph. One-time cost per
	// instance.
	Prepare(ctx context.Context) (PrepareInfo, error)

	// SamplePrior draws prior predictive samples.
	SamplePrior(ctx context.Context, req PriorRequest) (*inference.Trace, error)

	// SamplePosterior runs the NUTS sampler. The progress callback may be
	// nil.
	SamplePosterior(ctx context.Context, req PosteriorRequest, progress ProgressFunc) (*inference.Trace, error)

	// PredictPosterior draws posterior predictive samples conditioned on a
	// posterior trace.
	PredictPosterior(ctx context.Context, req PredictRequest, posterior *inference.Trace) (*inference.Trace, error)
}

// Engine builds graphs from specs.
type Engine interface {
	BuildGraph(ctx context.Context, spec GraphSpec) (Graph, error)
}
