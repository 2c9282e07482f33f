// Package model is the external-collaborator boundary for probabilistic
// models: given a model name it produces fresh config bundles and model
// instances; a model instance prepares its random-variable graph and drives
// prior/posterior sampling through the engine.
package model

import (
	"context"
	"fmt"

	"github.com/psoares-cs/coordination/internal/bundle"
	"github.com/psoares-cs/coordination/internal/engine"
	"github.com/psoares-cs/coordination/internal/inference"
)

// PriorParams configures prior predictive sampling.
type PriorParams struct {
	NumSamples int
	Seed       int
}

// PosteriorParams configures posterior (NUTS) sampling. The effective worker
// count is min(NumJobs, NumChains).
type PosteriorParams struct {
	BurnIn            int
	NumSamples        int
	NumChains         int
	NumJobs           int
	InitMethod        string
	TargetAccept      float64
	Seed              int
	ProgressFrequency int

	// Progress is invoked every ProgressFrequency draws per chain. May be
	// nil.
	Progress func(chain, draws int)
}

// Model is one instantiated probabilistic model. Instances are single-use:
// after a failed sampling attempt a fresh instance must be built.
type Model interface {
	// Prepare materializes the random-variable graph. One-time per instance.
	Prepare(ctx context.Context) error

	// NumTimeSteps reports the model's coordination-scale length. Only valid
	// after Prepare.
	NumTimeSteps() int

	// SamplePrior draws prior predictive samples.
	SamplePrior(ctx context.Context, p PriorParams) (*inference.Data, error)

	// SamplePosterior runs the sampler and returns the posterior trace.
	SamplePosterior(ctx context.Context, p PosteriorParams) (*inference.Data, error)

	// PredictPosterior draws posterior predictive samples conditioned on a
	// posterior result.
	PredictPosterior(ctx context.Context, posterior *inference.Data, seed int) (*inference.Data, error)
}

// Builder produces config bundles and model instances for one model variant.
type Builder interface {
	// Name identifies the model variant.
	Name() string

	// NewConfigBundle returns a fresh bundle with default hyperparameters.
	NewConfigBundle() bundle.Bundle

	// Build instantiates a model from a populated bundle.
	Build(ctx context.Context, b bundle.Bundle) (Model, error)
}

// engineModel adapts an engine graph to the Model interface.
type engineModel struct {
	graph        engine.Graph
	prepared     bool
	numTimeSteps int
}

func (m *engineModel) Prepare(ctx context.Context) error {
	if m.prepared {
		return fmt.Errorf("model already prepared; build a fresh instance")
	}
	info, err := m.graph.Prepare(ctx)
	if err != nil {
		return err
	}
	if info.NumTimeSteps <= 0 {
		return fmt.Errorf("engine reported non-positive time scale %d", info.NumTimeSteps)
	}
	m.numTimeSteps = info.NumTimeSteps
	m.prepared = true
	return nil
}

func (m *engineModel) NumTimeSteps() int { return m.numTimeSteps }

func (m *engineModel) SamplePrior(ctx context.Context, p PriorParams) (*inference.Data, error) {
	trace, err := m.graph.SamplePrior(ctx, engine.PriorRequest{
		NumSamples: p.NumSamples,
		Seed:       p.Seed,
	})
	if err != nil {
		return nil, err
	}
	return inference.FromTrace(inference.GroupPrior, trace), nil
}

func (m *engineModel) SamplePosterior(ctx context.Context, p PosteriorParams) (*inference.Data, error) {
	numJobs := p.NumJobs
	if p.NumChains < numJobs {
		numJobs = p.NumChains
	}
	trace, err := m.graph.SamplePosterior(ctx, engine.PosteriorRequest{
		BurnIn:            p.BurnIn,
		NumSamples:        p.NumSamples,
		NumChains:         p.NumChains,
		NumJobs:           numJobs,
		InitMethod:        p.InitMethod,
		TargetAccept:      p.TargetAccept,
		Seed:              p.Seed,
		ProgressFrequency: p.ProgressFrequency,
	}, engine.ProgressFunc(p.Progress))
	if err != nil {
		return nil, err
	}
	return inference.FromTrace(inference.GroupPosterior, trace), nil
}

func (m *engineModel) PredictPosterior(ctx context.Context, posterior *inference.Data, seed int) (*inference.Data, error) {
	trace := posterior.Groups[inference.GroupPosterior]
	if trace == nil {
		return nil, fmt.Errorf("posterior predictive sampling requires a posterior group")
	}
	predicted, err := m.graph.PredictPosterior(ctx, engine.PredictRequest{Seed: seed}, trace)
	if err != nil {
		return nil, err
	}
	return inference.FromTrace(inference.GroupPosteriorPredictive, predicted), nil
}
