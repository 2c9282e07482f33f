package model

import (
	"context"
	"errors"
	"testing"

	"github.com/psoares-cs/coordination/internal/bundle"
	"github.com/psoares-cs/coordination/internal/engine"
	"github.com/psoares-cs/coordination/internal/inference"
)

// fakeEngine records requests and plays back canned traces.
type fakeEngine struct {
	graph *fakeGraph
}

func (e *fakeEngine) BuildGraph(ctx context.Context, spec engine.GraphSpec) (engine.Graph, error) {
	e.graph.spec = spec
	return e.graph, nil
}

type fakeGraph struct {
	spec          engine.GraphSpec
	numTimeSteps  int
	prepareErr    error
	lastPosterior engine.PosteriorRequest
}

func (g *fakeGraph) Prepare(ctx context.Context) (engine.PrepareInfo, error) {
	if g.prepareErr != nil {
		return engine.PrepareInfo{}, g.prepareErr
	}
	return engine.PrepareInfo{NumTimeSteps: g.numTimeSteps}, nil
}

func (g *fakeGraph) SamplePrior(ctx context.Context, req engine.PriorRequest) (*inference.Trace, error) {
	return &inference.Trace{Chains: 1, Draws: req.NumSamples}, nil
}

func (g *fakeGraph) SamplePosterior(ctx context.Context, req engine.PosteriorRequest, progress engine.ProgressFunc) (*inference.Trace, error) {
	g.lastPosterior = req
	return &inference.Trace{Chains: req.NumChains, Draws: req.NumSamples, Divergences: 3}, nil
}

func (g *fakeGraph) PredictPosterior(ctx context.Context, req engine.PredictRequest, posterior *inference.Trace) (*inference.Trace, error) {
	return &inference.Trace{Chains: posterior.Chains, Draws: posterior.Draws}, nil
}

func newTestRegistry(g *fakeGraph) *Registry {
	return NewRegistry(&fakeEngine{graph: g})
}

func TestRegistry_Lookup(t *testing.T) {
	r := newTestRegistry(&fakeGraph{numTimeSteps: 100})

	for _, name := range []string{"vocalic", "vocalic_semantic"} {
		b, err := r.Lookup(name)
		if err != nil {
			t.Errorf("Lookup(%s): %v", name, err)
			continue
		}
		if b.NewConfigBundle().ModelName() != name {
			t.Errorf("bundle model name mismatch for %s", name)
		}
	}

	if _, err := r.Lookup("brain"); err == nil {
		t.Error("unknown model should fail lookup")
	}
}

func TestBuild_BundleMismatch(t *testing.T) {
	r := newTestRegistry(&fakeGraph{numTimeSteps: 100})
	vb, _ := r.Lookup("vocalic")

	if _, err := vb.Build(context.Background(), bundle.NewVocalicSemanticBundle()); err == nil {
		t.Error("semantic bundle should not build the vocalic model")
	}
}

func TestPrepare_ReportsTimeScale(t *testing.T) {
	g := &fakeGraph{numTimeSteps: 80}
	r := newTestRegistry(g)
	vb, _ := r.Lookup("vocalic")

	m, err := vb.Build(context.Background(), bundle.NewVocalicBundle())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := m.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if m.NumTimeSteps() != 80 {
		t.Errorf("NumTimeSteps = %d, want 80", m.NumTimeSteps())
	}

	// Prepare is one-time per instance.
	if err := m.Prepare(context.Background()); err == nil {
		t.Error("second Prepare should fail")
	}
}

func TestPrepare_RejectsBadTimeScale(t *testing.T) {
	g := &fakeGraph{numTimeSteps: 0}
	r := newTestRegistry(g)
	vb, _ := r.Lookup("vocalic")

	m, _ := vb.Build(context.Background(), bundle.NewVocalicBundle())
	if err := m.Prepare(context.Background()); err == nil {
		t.Error("non-positive engine time scale should be rejected")
	}
}

func TestPrepare_PropagatesEngineError(t *testing.T) {
	engineErr := errors.New("graph compilation failed")
	g := &fakeGraph{prepareErr: engineErr}
	r := newTestRegistry(g)
	vb, _ := r.Lookup("vocalic")

	m, _ := vb.Build(context.Background(), bundle.NewVocalicBundle())
	if err := m.Prepare(context.Background()); !errors.Is(err, engineErr) {
		t.Errorf("Prepare error = %v, want wrapped engine error", err)
	}
}

func TestSamplePosterior_CapsJobsAtChains(t *testing.T) {
	g := &fakeGraph{numTimeSteps: 100}
	r := newTestRegistry(g)
	vb, _ := r.Lookup("vocalic")
	m, _ := vb.Build(context.Background(), bundle.NewVocalicBundle())

	data, err := m.SamplePosterior(context.Background(), PosteriorParams{
		NumSamples: 10, NumChains: 2, NumJobs: 8,
	})
	if err != nil {
		t.Fatalf("SamplePosterior: %v", err)
	}
	if g.lastPosterior.NumJobs != 2 {
		t.Errorf("num jobs = %d, want min(8, 2) = 2", g.lastPosterior.NumJobs)
	}
	if !data.Has(inference.GroupPosterior) {
		t.Error("posterior group missing from result")
	}
	if data.Divergences() != 3 {
		t.Errorf("divergences = %d, want 3", data.Divergences())
	}
}

func TestPredictPosterior_RequiresPosteriorGroup(t *testing.T) {
	g := &fakeGraph{numTimeSteps: 100}
	r := newTestRegistry(g)
	vb, _ := r.Lookup("vocalic")
	m, _ := vb.Build(context.Background(), bundle.NewVocalicBundle())

	if _, err := m.PredictPosterior(context.Background(), inference.New(), 0); err == nil {
		t.Error("prediction without a posterior group should fail")
	}
}
