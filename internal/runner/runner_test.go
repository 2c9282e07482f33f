package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/psoares-cs/coordination/internal/bundle"
	"github.com/psoares-cs/coordination/internal/checkpoint"
	"github.com/psoares-cs/coordination/internal/constants"
	"github.com/psoares-cs/coordination/internal/inference"
	"github.com/psoares-cs/coordination/internal/model"
)

// stubBuilder produces stubModel instances and records the fitting horizon
// each build saw.
type stubBuilder struct {
	builds        int
	seenHorizons  []int
	priorErr      error
	predictErr    error
	posteriorFail int // number of leading builds whose posterior fails
}

func (sb *stubBuilder) Name() string { return "vocalic" }

func (sb *stubBuilder) NewConfigBundle() bundle.Bundle { return bundle.NewVocalicBundle() }

func (sb *stubBuilder) Build(ctx context.Context, b bundle.Bundle) (model.Model, error) {
	sb.builds++
	horizon := 0
	if v, ok := bundle.Get(b, "num_time_steps_to_fit"); ok {
		horizon = v.(int)
	}
	sb.seenHorizons = append(sb.seenHorizons, horizon)
	numTimeSteps := horizon
	if numTimeSteps <= 0 {
		numTimeSteps = 80
	}
	return &stubModel{
		builder:      sb,
		numTimeSteps: numTimeSteps,
		failPost:     sb.builds <= sb.posteriorFail,
	}, nil
}

type stubModel struct {
	builder      *stubBuilder
	numTimeSteps int
	failPost     bool
	prepared     bool
}

func (m *stubModel) Prepare(ctx context.Context) error {
	m.prepared = true
	return nil
}

func (m *stubModel) NumTimeSteps() int { return m.numTimeSteps }

func (m *stubModel) SamplePrior(ctx context.Context, p model.PriorParams) (*inference.Data, error) {
	if m.builder.priorErr != nil {
		return nil, m.builder.priorErr
	}
	return inference.FromTrace(inference.GroupPrior, &inference.Trace{Chains: 1, Draws: p.NumSamples}), nil
}

func (m *stubModel) SamplePosterior(ctx context.Context, p model.PosteriorParams) (*inference.Data, error) {
	if !m.prepared {
		return nil, errors.New("sampling before prepare")
	}
	if m.failPost {
		return nil, errors.New("sampler crashed")
	}
	if p.Progress != nil {
		p.Progress(0, p.NumSamples)
	}
	return inference.FromTrace(inference.GroupPosterior, &inference.Trace{
		Chains: p.NumChains, Draws: p.NumSamples, Divergences: 2,
	}), nil
}

func (m *stubModel) PredictPosterior(ctx context.Context, posterior *inference.Data, seed int) (*inference.Data, error) {
	if m.builder.predictErr != nil {
		return nil, m.builder.predictErr
	}
	post := posterior.Groups[inference.GroupPosterior]
	return inference.FromTrace(inference.GroupPosteriorPredictive, &inference.Trace{Chains: post.Chains, Draws: post.Draws}), nil
}

func testRunner(t *testing.T, sb *stubBuilder, sleeps *[]time.Duration) *Runner {
	t.Helper()
	b := bundle.NewVocalicBundle()
	b.NumTimeStepsToFit = 80
	return &Runner{
		ExperimentID: "exp1",
		Builder:      sb,
		Bundle:       b,
		OutDir:       t.TempDir(),
		Params: Params{
			DoPrior:     true,
			DoPosterior: true,
			NumSamples:  100,
			NumChains:   2,
			NumJobs:     2,
		},
		Sleep: func(d time.Duration) {
			if sleeps != nil {
				*sleeps = append(*sleeps, d)
			}
		},
		Rand: rand.New(rand.NewSource(1)),
	}
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	var sleeps []time.Duration
	sb := &stubBuilder{posteriorFail: 2}
	r := testRunner(t, sb, &sleeps)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sb.builds != 3 {
		t.Errorf("builds = %d, want 3 (two failures then success)", sb.builds)
	}
	if len(sleeps) != 2 {
		t.Fatalf("retry waits = %d, want 2", len(sleeps))
	}
	for _, d := range sleeps {
		if d < constants.MinRetryWait || d >= constants.MaxRetryWait {
			t.Errorf("retry wait %v outside [%v, %v)", d, constants.MinRetryWait, constants.MaxRetryWait)
		}
	}

	data, err := inference.LoadData(r.OutDir)
	if err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	for _, g := range []inference.Group{inference.GroupPrior, inference.GroupPosterior} {
		if !data.Has(g) {
			t.Errorf("group %s missing from artifact", g)
		}
	}

	store, err := checkpoint.Open(filepath.Join(r.OutDir, "progress.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	attempts, err := store.Attempts(context.Background(), "exp1")
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 3 {
		t.Fatalf("recorded attempts = %d, want 3", len(attempts))
	}
	if attempts[0].State != StateFailed || attempts[2].State != StateDone {
		t.Errorf("attempt states = %v, %v; want FAILED then DONE", attempts[0].State, attempts[2].State)
	}
}

func TestRun_FailsAfterMaxRetries(t *testing.T) {
	var sleeps []time.Duration
	sb := &stubBuilder{posteriorFail: constants.MaxInferenceRetries + 1}
	r := testRunner(t, sb, &sleeps)

	if err := r.Run(context.Background()); err == nil {
		t.Fatal("Run should fail once retries are exhausted")
	}
	if sb.builds != constants.MaxInferenceRetries {
		t.Errorf("builds = %d, want %d", sb.builds, constants.MaxInferenceRetries)
	}
	if len(sleeps) != constants.MaxInferenceRetries-1 {
		t.Errorf("retry waits = %d, want %d", len(sleeps), constants.MaxInferenceRetries-1)
	}

	// Failed runs leave no artifact behind.
	if _, err := os.Stat(filepath.Join(r.OutDir, "inference_data")); !os.IsNotExist(err) {
		t.Error("failed run wrote an inference data artifact")
	}
}

func TestRun_PriorFailureIsNotFatal(t *testing.T) {
	sb := &stubBuilder{priorErr: errors.New("prior broke")}
	r := testRunner(t, sb, nil)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, err := inference.LoadData(r.OutDir)
	if err != nil {
		t.Fatal(err)
	}
	if data.Has(inference.GroupPrior) {
		t.Error("prior group present despite prior failure")
	}
	if !data.Has(inference.GroupPosterior) {
		t.Error("posterior group missing")
	}
	if sb.builds != 1 {
		t.Errorf("builds = %d; prior failure must not trigger a retry", sb.builds)
	}
}

func TestParams_Validate(t *testing.T) {
	tests := []struct {
		name    string
		p       Params
		wantErr bool
	}{
		{"nothing enabled", Params{}, true},
		{"prior only", Params{DoPrior: true}, false},
		{"posterior needs samples", Params{DoPosterior: true, NumChains: 2}, true},
		{"posterior ok", Params{DoPosterior: true, NumSamples: 10, NumChains: 2}, false},
		{"ppa without posterior", Params{DoPrior: true, DoPPA: true, PPAWindow: 5}, true},
		{"ppa without window", Params{DoPosterior: true, NumSamples: 10, NumChains: 2, DoPPA: true}, true},
		{"ppa ok", Params{DoPosterior: true, NumSamples: 10, NumChains: 2, DoPPA: true, PPAWindow: 5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPPATimePoints_Sampled(t *testing.T) {
	r := testRunner(t, &stubBuilder{}, nil)
	r.Params.DoPPA = true
	r.Params.PPAWindow = 5
	r.Params.NumPPAPoints = 10

	points, err := r.ppaTimePoints()
	if err != nil {
		t.Fatalf("ppaTimePoints: %v", err)
	}
	if len(points) != 10 {
		t.Fatalf("len = %d, want 10", len(points))
	}
	// Horizon is 80, window 5: admissible range is [40, 75). Sampling is
	// without replacement, so sorted points are strictly increasing.
	for i, p := range points {
		if p < 40 || p >= 75 {
			t.Errorf("point %d outside [40, 75)", p)
		}
		if i > 0 && points[i-1] >= p {
			t.Errorf("points not strictly increasing at index %d", i)
		}
	}
}

func TestPPATimePoints_CappedAtRange(t *testing.T) {
	r := testRunner(t, &stubBuilder{}, nil)
	r.Bundle.(*bundle.VocalicBundle).NumTimeStepsToFit = 30
	r.Params.DoPPA = true
	r.Params.PPAWindow = 5
	r.Params.NumPPAPoints = 20

	// Range [15, 25) holds ten points; requesting more yields all of them.
	points, err := r.ppaTimePoints()
	if err != nil {
		t.Fatalf("ppaTimePoints: %v", err)
	}
	if len(points) != 10 {
		t.Errorf("len = %d, want 10", len(points))
	}
}

func TestPPATimePoints_RangeSmallerThanWindow(t *testing.T) {
	r := testRunner(t, &stubBuilder{}, nil)
	r.Bundle.(*bundle.VocalicBundle).NumTimeStepsToFit = 14
	r.Params.DoPPA = true
	r.Params.PPAWindow = 5

	// Range [7, 9) holds two points, fewer than the window size.
	if _, err := r.ppaTimePoints(); err == nil {
		t.Error("range smaller than the window should be rejected")
	}
}

func TestPPATimePoints_ExplicitValidated(t *testing.T) {
	r := testRunner(t, &stubBuilder{}, nil)
	r.Params.DoPPA = true
	r.Params.PPAWindow = 5

	r.Params.PPATimePoints = []int{50, 39}
	if _, err := r.ppaTimePoints(); err == nil {
		t.Error("point below range should be rejected")
	}

	r.Params.PPATimePoints = []int{50, 50}
	if _, err := r.ppaTimePoints(); err == nil {
		t.Error("duplicate points should be rejected")
	}

	r.Params.PPATimePoints = []int{60, 50}
	points, err := r.ppaTimePoints()
	if err != nil {
		t.Fatalf("ppaTimePoints: %v", err)
	}
	if points[0] != 50 || points[1] != 60 {
		t.Errorf("points = %v, want sorted [50 60]", points)
	}
}

func TestRun_WindowTooLarge(t *testing.T) {
	r := testRunner(t, &stubBuilder{}, nil)
	r.Params.DoPPA = true
	r.Params.PPAWindow = 40 // range [40, 40) is empty

	if err := r.Run(context.Background()); err == nil {
		t.Error("empty admissible range should abort before any build")
	}
}

func TestRun_PPA(t *testing.T) {
	sb := &stubBuilder{}
	r := testRunner(t, sb, nil)
	r.Params.DoPPA = true
	r.Params.PPAWindow = 5
	r.Params.PPATimePoints = []int{50, 60}

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(sb.seenHorizons) != 2 || sb.seenHorizons[0] != 50 || sb.seenHorizons[1] != 60 {
		t.Errorf("fitting horizons = %v, want [50 60]", sb.seenHorizons)
	}
	// The bundle's declared horizon is restored once the analysis finishes.
	if got := r.Bundle.(*bundle.VocalicBundle).NumTimeStepsToFit; got != 80 {
		t.Errorf("bundle horizon after run = %d, want 80", got)
	}

	for _, tp := range []int{50, 60} {
		dir := filepath.Join(r.OutDir, "ppa", fmt.Sprintf("t%d", tp))
		data, err := inference.LoadData(dir)
		if err != nil {
			t.Fatalf("LoadData(%s): %v", dir, err)
		}
		if !data.Has(inference.GroupPosteriorPredictive) {
			t.Errorf("horizon %d artifact lacks posterior predictive draws", tp)
		}
	}
}
