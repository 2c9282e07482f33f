package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/psoares-cs/coordination/internal/dispatch"
	"github.com/psoares-cs/coordination/internal/evidence"
)

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "coordination"}
	root.PersistentFlags().Bool("json", false, "")
	root.PersistentFlags().String("config", "", "")
	root.AddCommand(cmd)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const fixtureEvidence = `index,experiment_id,num_time_steps_in_coordination_scale,pitch
0,exp1,80,"[0.1, 0.2]"
1,exp2,90,"[0.3, 0.4]"
`

const fixtureMapping = `{"mappings": [
  {"bundle_attr_name": "num_time_steps_in_coordination_scale",
   "data_column_names": ["num_time_steps_in_coordination_scale"],
   "data_type": "int"},
  {"bundle_attr_name": "observed_values",
   "data_column_names": ["pitch"],
   "data_type": "array",
   "feature": true}
]}`

func TestInferCmd_RequiresInputs(t *testing.T) {
	_, err := execute(t, newInferCmd(), "infer")
	if err == nil || !strings.Contains(err.Error(), "--evidence") {
		t.Errorf("missing evidence flag: err = %v", err)
	}

	evid := writeFixture(t, "evidence.csv", fixtureEvidence)
	_, err = execute(t, newInferCmd(), "infer", "--evidence", evid)
	if err == nil || !strings.Contains(err.Error(), "--mapping") {
		t.Errorf("missing mapping flag: err = %v", err)
	}
}

func TestInferCmd_RejectsNothingToSample(t *testing.T) {
	evid := writeFixture(t, "evidence.csv", fixtureEvidence)
	mapping := writeFixture(t, "mapping.json", fixtureMapping)

	_, err := execute(t, newInferCmd(), "infer",
		"--evidence", evid, "--mapping", mapping,
		"--out-dir", t.TempDir(),
		"--prior=false", "--posterior=false")
	if err == nil {
		t.Error("disabling both prior and posterior should fail")
	}
}

func TestInferCmd_UnknownModel(t *testing.T) {
	evid := writeFixture(t, "evidence.csv", fixtureEvidence)
	mapping := writeFixture(t, "mapping.json", fixtureMapping)

	_, err := execute(t, newInferCmd(), "infer",
		"--evidence", evid, "--mapping", mapping, "--model", "brain")
	if err == nil || !strings.Contains(err.Error(), "unknown model") {
		t.Errorf("unknown model: err = %v", err)
	}
}

func TestValidateCmd(t *testing.T) {
	evid := writeFixture(t, "evidence.csv", fixtureEvidence)
	mapping := writeFixture(t, "mapping.json", fixtureMapping)

	out, err := execute(t, newValidateCmd(), "validate",
		"--evidence", evid, "--mapping", mapping)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "Mapping ok") {
		t.Errorf("output = %q", out)
	}
}

func TestValidateCmd_BadColumn(t *testing.T) {
	evid := writeFixture(t, "evidence.csv", fixtureEvidence)
	mapping := writeFixture(t, "mapping.json", `{"mappings": [
	  {"bundle_attr_name": "observed_values",
	   "data_column_names": ["no_such_column"],
	   "data_type": "array"}
	]}`)

	_, err := execute(t, newValidateCmd(), "validate",
		"--evidence", evid, "--mapping", mapping)
	if err == nil || !strings.Contains(err.Error(), "no_such_column") {
		t.Errorf("bad column: err = %v", err)
	}
}

func TestPrintReport_FailuresKeepZeroExit(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().Bool("json", false, "")
	var out bytes.Buffer
	cmd.SetOut(&out)

	// A failed or missing experiment is already reported and isolated by the
	// dispatcher; the command still succeeds.
	printReport(cmd, dispatch.Report{
		Succeeded: []string{"exp1"},
		Failed:    []string{"exp2"},
		Missing:   []string{"ghost"},
	})
	if !strings.Contains(out.String(), "exp2") || !strings.Contains(out.String(), "ghost") {
		t.Errorf("summary output = %q", out.String())
	}
}

func TestSelectExperiments(t *testing.T) {
	evid := writeFixture(t, "evidence.csv", fixtureEvidence)
	table, err := evidence.Load(evid)
	if err != nil {
		t.Fatal(err)
	}
	defer table.Release()

	ids, missing := selectExperiments(table, nil)
	if fmt.Sprint(ids) != "[exp1 exp2]" || len(missing) != 0 {
		t.Errorf("all experiments: ids = %v, missing = %v", ids, missing)
	}

	ids, missing = selectExperiments(table, []string{"exp2", "ghost"})
	if fmt.Sprint(ids) != "[exp2]" {
		t.Errorf("ids = %v, want [exp2]", ids)
	}
	if fmt.Sprint(missing) != "[ghost]" {
		t.Errorf("missing = %v, want [ghost]", missing)
	}
}

func TestParallelCmd_RequiresInputs(t *testing.T) {
	_, err := execute(t, newParallelCmd(), "parallel")
	if err == nil || !strings.Contains(err.Error(), "--evidence") {
		t.Errorf("missing evidence flag: err = %v", err)
	}
}
