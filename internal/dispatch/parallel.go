package dispatch

import (
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"
)

// NewRunID derives the identifier of a parallel run from its start time.
// The id names the tmux session and the run's artifact directory.
func NewRunID(now time.Time) string {
	return "run_" + now.Format("20060102_150405")
}

// Partition splits the experiment ids into at most blocks contiguous slices.
// Ids are sorted first so the assignment is reproducible regardless of input
// order; block sizes differ by at most one, with the larger blocks first.
func Partition(experimentIDs []string, blocks int) ([][]string, error) {
	if blocks < 1 {
		return nil, fmt.Errorf("block count must be positive, got %d", blocks)
	}
	if len(experimentIDs) == 0 {
		return nil, fmt.Errorf("no experiments to partition")
	}
	ids := append([]string{}, experimentIDs...)
	sort.Strings(ids)
	for i := 1; i < len(ids); i++ {
		if ids[i] == ids[i-1] {
			return nil, fmt.Errorf("duplicate experiment id %q", ids[i])
		}
	}

	if blocks > len(ids) {
		blocks = len(ids)
	}
	base := len(ids) / blocks
	extra := len(ids) % blocks

	out := make([][]string, 0, blocks)
	pos := 0
	for i := 0; i < blocks; i++ {
		size := base
		if i < extra {
			size++
		}
		out = append(out, ids[pos:pos+size])
		pos += size
	}
	return out, nil
}

// CoreBudget returns the number of cores available for sampling after
// reserving a fraction of the machine for everything else.
func CoreBudget(numCPU int, reservation float64) int {
	return int(math.Floor(float64(numCPU) * (1 - reservation)))
}

// Parallel splits a batch into blocks and hands each block to a separate OS
// process hosted in a tmux window. Sampler workers cannot spawn nested
// workers in-process, so block parallelism has to come from process
// isolation.
//
// Dispatch is fire and forget: once the windows are created this process is
// done, and the blocks are monitored through tmux and their experiment logs.
type Parallel struct {
	// Executable is the program blocks run, normally this binary.
	Executable string

	// NumJobs is the number of blocks dispatched concurrently.
	NumJobs int

	// CoreReservation is the fraction of machine cores excluded from the
	// capacity budget.
	CoreReservation float64

	Tmux *Tmux
	Log  *slog.Logger

	// NumCPU and Now are seams for tests; zero values use the real machine
	// and clock.
	NumCPU int
	Now    func() time.Time
}

func (d *Parallel) log() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}

func (d *Parallel) numCPU() int {
	if d.NumCPU > 0 {
		return d.NumCPU
	}
	return runtime.NumCPU()
}

func (d *Parallel) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// checkCapacity enforces the precondition that every block's sampler workers
// fit inside the core budget at once.
func (d *Parallel) checkCapacity(coresPerInference int) error {
	budget := CoreBudget(d.numCPU(), d.CoreReservation)
	need := d.NumJobs * coresPerInference
	if need > budget {
		return fmt.Errorf("%d jobs x %d cores exceeds the budget of %d cores (%d cores, %.0f%% reserved)",
			d.NumJobs, coresPerInference, budget, d.numCPU(), 100*d.CoreReservation)
	}
	return nil
}

// Dispatch partitions the experiments, freezes the manifest and spawns one
// block process per tmux window. It returns the run id once every block has
// been handed to tmux.
func (d *Parallel) Dispatch(experimentIDs []string, m *Manifest) (string, error) {
	if d.NumJobs < 1 {
		return "", fmt.Errorf("number of inference jobs must be positive, got %d", d.NumJobs)
	}
	coresPerInference := m.Params.NumChains
	if m.Params.NumJobs < coresPerInference {
		coresPerInference = m.Params.NumJobs
	}
	if coresPerInference < 1 {
		coresPerInference = 1
	}
	if err := d.checkCapacity(coresPerInference); err != nil {
		return "", err
	}

	blocks, err := Partition(experimentIDs, d.NumJobs)
	if err != nil {
		return "", err
	}

	runID := NewRunID(d.now())
	runDir := filepath.Join(m.OutDir, runID)
	m.RunID = runID
	m.CreatedAt = d.now().UTC()
	m.Blocks = blocks
	// Blocks write their experiment directories under the run-stamped root,
	// so repeated runs over the same root never collide.
	m.OutDir = runDir

	manifestPath, err := WriteManifest(runDir, m)
	if err != nil {
		return "", err
	}

	if err := d.Tmux.NewSession(runID); err != nil {
		return "", err
	}
	for i, block := range blocks {
		command := d.Executable +
			" infer --manifest " + shellQuote(manifestPath) +
			" --block " + strconv.Itoa(i)
		if err := d.Tmux.SpawnWindow(runID, "block"+strconv.Itoa(i), command); err != nil {
			return "", fmt.Errorf("spawning block %d: %w", i, err)
		}
		d.log().Info("block dispatched", "run_id", runID, "block", i, "experiments", len(block))
	}

	d.log().Info("parallel run dispatched",
		"run_id", runID, "blocks", len(blocks), "manifest", manifestPath)
	return runID, nil
}

// shellQuote wraps a path for the shell command tmux hands to sh -c.
// Embedded single quotes close the quoting, escape the quote and reopen.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
