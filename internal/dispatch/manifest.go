package dispatch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/psoares-cs/coordination/internal/mapper"
	"github.com/psoares-cs/coordination/internal/runner"
)

// Manifest freezes everything a parallel run needs so that every block
// process resolves identical parameters. It is written exactly once, before
// any block starts, and never modified.
type Manifest struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`

	ModelName    string                     `json:"model_name"`
	EvidencePath string                     `json:"evidence_path"`
	OutDir       string                     `json:"out_dir"`
	Mapping      mapper.Spec                `json:"mapping"`
	Overrides    map[string]json.RawMessage `json:"overrides,omitempty"`
	Params       runner.Params              `json:"params"`
	LogLevel     string                     `json:"log_level"`

	// Blocks holds the experiment ids each block process is responsible for.
	Blocks [][]string `json:"blocks"`
}

const manifestName = "manifest.json"

// WriteManifest persists the manifest under dir. It refuses to overwrite an
// existing manifest: a run id is never reused.
func WriteManifest(dir string, m *Manifest) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating run dir: %w", err)
	}
	path := filepath.Join(dir, manifestName)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding manifest: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("creating manifest: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("writing manifest: %w", err)
	}
	return path, nil
}

// LoadManifest reads a manifest written by WriteManifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if m.RunID == "" {
		return nil, fmt.Errorf("manifest %s has no run id", path)
	}
	if len(m.Blocks) == 0 {
		return nil, fmt.Errorf("manifest %s has no blocks", path)
	}
	return &m, nil
}

// Block returns the experiment ids of one block.
func (m *Manifest) Block(i int) ([]string, error) {
	if i < 0 || i >= len(m.Blocks) {
		return nil, fmt.Errorf("block %d out of range (run has %d blocks)", i, len(m.Blocks))
	}
	return m.Blocks[i], nil
}
