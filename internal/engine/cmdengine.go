package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/psoares-cs/coordination/internal/inference"
	"github.com/psoares-cs/coordination/internal/logging"
)

// CmdEngine drives an external sampler command, one process per sampling
// stage. The request is written as JSON to the process's stdin; the process
// streams newline-delimited JSON events on stdout:
//
//	{"event": "progress", "chain": 0, "draws": 100}
//	{"event": "result", "info": {...}}     (prepare stage)
//	{"event": "result", "trace": {...}}    (sampling stages)
//	{"event": "error", "message": "..."}
//
// Worker fan-out across chains happens inside the external process and is
// opaque here.
type CmdEngine struct {
	// Command is the sampler executable.
	Command string

	// Args are extra arguments placed before the stage flag.
	Args []string

	// Log receives trace-level request/response logging. May be nil.
	Log *slog.Logger
}

// Stage names understood by the sampler command.
const (
	stagePrepare             = "prepare"
	stagePrior               = "prior"
	stagePosterior           = "posterior"
	stagePosteriorPredictive = "posterior_predictive"
)

// BuildGraph returns a graph bound to this engine's command. The external
// process is only spawned when a stage runs.
func (e *CmdEngine) BuildGraph(ctx context.Context, spec GraphSpec) (Graph, error) {
	if e.Command == "" {
		return nil, fmt.Errorf("engine command is not configured")
	}
	if spec.ModelName == "" {
		return nil, fmt.Errorf("graph spec has no model name")
	}
	return &cmdGraph{engine: e, spec: spec}, nil
}

type cmdGraph struct {
	engine   *CmdEngine
	spec     GraphSpec
	prepared bool
}

// request is the JSON document written to the sampler command's stdin.
type request struct {
	Stage     string            `json:"stage"`
	Spec      GraphSpec         `json:"spec"`
	Prior     *PriorRequest     `json:"prior,omitempty"`
	Posterior *PosteriorRequest `json:"posterior,omitempty"`
	Predict   *PredictRequest   `json:"predict,omitempty"`
	Trace     *inference.Trace  `json:"trace,omitempty"`
}

// event is one line of the sampler command's stdout stream.
type event struct {
	Event   string           `json:"event"`
	Chain   int              `json:"chain"`
	Draws   int              `json:"draws"`
	Message string           `json:"message"`
	Info    *PrepareInfo     `json:"info"`
	Trace   *inference.Trace `json:"trace"`
}

func (g *cmdGraph) Prepare(ctx context.Context) (PrepareInfo, error) {
	if g.prepared {
		return PrepareInfo{}, fmt.Errorf("graph already prepared; build a fresh instance")
	}
	ev, err := g.run(ctx, request{Stage: stagePrepare, Spec: g.spec}, nil)
	if err != nil {
		return PrepareInfo{}, err
	}
	if ev.Info == nil {
		return PrepareInfo{}, fmt.Errorf("engine prepare result carried no info")
	}
	g.prepared = true
	return *ev.Info, nil
}

func (g *cmdGraph) SamplePrior(ctx context.Context, req PriorRequest) (*inference.Trace, error) {
	ev, err := g.run(ctx, request{Stage: stagePrior, Spec: g.spec, Prior: &req}, nil)
	if err != nil {
		return nil, err
	}
	return resultTrace(ev)
}

func (g *cmdGraph) SamplePosterior(ctx context.Context, req PosteriorRequest, progress ProgressFunc) (*inference.Trace, error) {
	ev, err := g.run(ctx, request{Stage: stagePosterior, Spec: g.spec, Posterior: &req}, progress)
	if err != nil {
		return nil, err
	}
	return resultTrace(ev)
}

func (g *cmdGraph) PredictPosterior(ctx context.Context, req PredictRequest, posterior *inference.Trace) (*inference.Trace, error) {
	if posterior == nil {
		return nil, fmt.Errorf("posterior predictive sampling requires a posterior trace")
	}
	ev, err := g.run(ctx, request{Stage: stagePosteriorPredictive, Spec: g.spec, Predict: &req, Trace: posterior}, nil)
	if err != nil {
		return nil, err
	}
	return resultTrace(ev)
}

func resultTrace(ev *event) (*inference.Trace, error) {
	if ev.Trace == nil {
		return nil, fmt.Errorf("engine result carried no trace")
	}
	return ev.Trace, nil
}

// run spawns one sampler process, feeds it the request and consumes its
// event stream until the result (or error) event arrives. The progress
// callback is invoked synchronously from the reading loop, so there is never
// more than one writer to a checkpoint path.
func (g *cmdGraph) run(ctx context.Context, req request, progress ProgressFunc) (*event, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding engine request: %w", err)
	}
	if g.engine.Log != nil {
		g.engine.Log.Log(ctx, logging.LevelTrace, "engine request",
			"stage", req.Stage, "payload", string(payload))
	}

	args := append(append([]string{}, g.engine.Args...), "--stage", req.Stage)
	cmd := exec.CommandContext(ctx, g.engine.Command, args...)
	cmd.Stdin = bytes.NewReader(payload)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening engine stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting engine %s: %w", g.engine.Command, err)
	}

	var result *event
	var streamErr error

	scanner := bufio.NewScanner(stdout)
	// Traces can be large; allow lines far past the default token size.
	scanner.Buffer(make([]byte, 0, 1<<20), 256<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev event
		if err := json.Unmarshal(line, &ev); err != nil {
			streamErr = fmt.Errorf("decoding engine event: %w", err)
			break
		}
		switch ev.Event {
		case "progress":
			if progress != nil {
				progress(ev.Chain, ev.Draws)
			}
		case "result":
			result = &ev
		case "error":
			streamErr = fmt.Errorf("engine %s stage failed: %s", req.Stage, ev.Message)
		default:
			// Unknown events are tolerated for forward compatibility.
		}
	}
	if streamErr == nil {
		streamErr = scanner.Err()
	}

	waitErr := cmd.Wait()
	if streamErr != nil {
		return nil, streamErr
	}
	if waitErr != nil {
		return nil, fmt.Errorf("engine %s stage exited: %w (stderr: %s)",
			req.Stage, waitErr, bytes.TrimSpace(stderr.Bytes()))
	}
	if result == nil {
		return nil, fmt.Errorf("engine %s stage produced no result event", req.Stage)
	}
	return result, nil
}
