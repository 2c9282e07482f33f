// Package inference defines the inference-data artifact: the draws and
// divergence metadata accumulated across sampling stages, with on-disk
// persistence.
package inference

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Group names a draw collection inside an inference-data artifact.
type Group string

const (
	GroupPrior               Group = "prior"
	GroupPosterior           Group = "posterior"
	GroupPosteriorPredictive Group = "posterior_predictive"
)

// Trace holds the draws of one sampling stage.
type Trace struct {
	// Chains is the number of independent chains.
	Chains int `json:"chains"`

	// Draws is the number of samples per chain.
	Draws int `json:"draws"`

	// Variables maps variable name to draws, flattened chain-major.
	Variables map[string][]float64 `json:"variables"`

	// Divergences counts rejected trajectories across all chains.
	Divergences int `json:"divergences"`
}

// Samples returns the total number of draws across chains.
func (t *Trace) Samples() int {
	if t == nil {
		return 0
	}
	return t.Chains * t.Draws
}

// Data is the accumulated result of an inference run: draws from prior,
// posterior and posterior-predictive sampling plus divergence counts. Prior
// and posterior results from separate stages combine into one artifact via
// Add.
type Data struct {
	Groups map[Group]*Trace `json:"groups"`
}

// New returns an empty artifact.
func New() *Data {
	return &Data{Groups: map[Group]*Trace{}}
}

// FromTrace returns an artifact holding a single group.
func FromTrace(g Group, t *Trace) *Data {
	return &Data{Groups: map[Group]*Trace{g: t}}
}

// Add merges another artifact into this one. Merging is order-insensitive
// for divergence and sample counts; a group present on both sides is a
// conflict.
func (d *Data) Add(other *Data) error {
	if other == nil {
		return nil
	}
	for g := range other.Groups {
		if _, dup := d.Groups[g]; dup {
			return fmt.Errorf("inference data already holds group %q", g)
		}
	}
	for g, t := range other.Groups {
		d.Groups[g] = t
	}
	return nil
}

// Has reports whether a group is present.
func (d *Data) Has(g Group) bool {
	_, ok := d.Groups[g]
	return ok
}

// Divergences sums divergence counts over all groups. Only posterior traces
// record divergences in practice; the sum keeps merging order-insensitive.
func (d *Data) Divergences() int {
	n := 0
	for _, t := range d.Groups {
		n += t.Divergences
	}
	return n
}

// TotalPosteriorSamples is the draw count of the posterior group, zero when
// absent.
func (d *Data) TotalPosteriorSamples() int {
	return d.Groups[GroupPosterior].Samples()
}

// DivergenceRate returns the percentage of divergent posterior draws.
func (d *Data) DivergenceRate() float64 {
	total := d.TotalPosteriorSamples()
	if total == 0 {
		return 0
	}
	return 100 * float64(d.Divergences()) / float64(total)
}

// summary is the metadata file written next to the per-group draws.
type summary struct {
	Groups                []Group   `json:"groups"`
	Divergences           int       `json:"divergences"`
	TotalPosteriorSamples int       `json:"total_posterior_samples"`
	SavedAt               time.Time `json:"saved_at"`
}

const dataDirName = "inference_data"

// Save writes the artifact under dir/inference_data: one JSON file per group
// plus a summary with divergence metadata.
func (d *Data) Save(dir string) error {
	out := filepath.Join(dir, dataDirName)
	if err := os.MkdirAll(out, 0755); err != nil {
		return fmt.Errorf("creating inference data dir: %w", err)
	}

	groups := make([]Group, 0, len(d.Groups))
	for g := range d.Groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })

	for _, g := range groups {
		if err := writeJSON(filepath.Join(out, string(g)+".json"), d.Groups[g]); err != nil {
			return err
		}
	}

	return writeJSON(filepath.Join(out, "summary.json"), summary{
		Groups:                groups,
		Divergences:           d.Divergences(),
		TotalPosteriorSamples: d.TotalPosteriorSamples(),
		SavedAt:               time.Now().UTC(),
	})
}

// LoadData reads an artifact previously written by Save.
func LoadData(dir string) (*Data, error) {
	out := filepath.Join(dir, dataDirName)

	var s summary
	if err := readJSON(filepath.Join(out, "summary.json"), &s); err != nil {
		return nil, err
	}

	d := New()
	for _, g := range s.Groups {
		var t Trace
		if err := readJSON(filepath.Join(out, string(g)+".json"), &t); err != nil {
			return nil, err
		}
		d.Groups[g] = &t
	}
	return d, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return nil
}
