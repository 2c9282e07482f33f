package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/psoares-cs/coordination/internal/evidence"
	"github.com/psoares-cs/coordination/internal/mapper"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a mapping against a model and an evidence file",
		Long: `Validate that every mapping rule names an existing evidence column and a
settable bundle attribute, without running any inference.

Example:
  coordination validate --evidence data.csv --mapping vocalic.json --model vocalic`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			evidencePath, _ := cmd.Flags().GetString("evidence")
			mappingPath, _ := cmd.Flags().GetString("mapping")
			if evidencePath == "" {
				return fmt.Errorf("--evidence is required")
			}
			if mappingPath == "" {
				return fmt.Errorf("--mapping is required")
			}

			modelName, _ := cmd.Flags().GetString("model")
			builder, err := newRegistry(cfg, newLogger(cfg, cmd)).Lookup(modelName)
			if err != nil {
				return err
			}

			spec, err := mapper.LoadSpec(mappingPath)
			if err != nil {
				return err
			}
			table, err := evidence.Load(evidencePath)
			if err != nil {
				return err
			}
			defer table.Release()

			if err := spec.Validate(builder.NewConfigBundle(), table.Columns()); err != nil {
				return err
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(os.Stdout).Encode(map[string]any{
					"status":      "ok",
					"model":       modelName,
					"experiments": table.Len(),
					"mappings":    len(spec.Mappings),
				})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Mapping ok: %d rules over %d experiments (%s)\n",
					len(spec.Mappings), table.Len(), modelName)
			}
			return nil
		},
	}

	cmd.Flags().String("evidence", "", "Evidence CSV file (required)")
	cmd.Flags().String("mapping", "", "Mapping JSON file (required)")
	cmd.Flags().String("model", "vocalic", "Model to validate against")

	return cmd
}
