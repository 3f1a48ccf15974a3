package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mjuetz34/survstat/cohort"
	"github.com/mjuetz34/survstat/simulate"
)

func newSimulateCmd() *cobra.Command {

	cfg := simulate.DefaultConfig()
	var out, schemaOut string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Generate a synthetic cohort table",
		Long: `Simulate writes a CSV cohort with binary covariates A and B, an age,
and exponential survival times with known hazard ratios, censored to give
the requested event rate.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {

			log, err := newLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			tab, err := simulate.Table(cfg)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if err := cohort.WriteTable(w, tab); err != nil {
				return err
			}

			if schemaOut != "" {
				if err := writeSchema(schemaOut); err != nil {
					return err
				}
			}

			events, rows, _ := simulate.EventCounts(tab)
			log.Info("cohort simulated", "rows", rows, "events", events, "censor_time", cfg.CensorTime(),
				"balanced", cfg.Balanced)

			return nil
		},
	}

	fl := cmd.Flags()
	fl.IntVar(&cfg.N, "n", cfg.N, "Number of patients")
	fl.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed")
	fl.Float64Var(&cfg.PropA, "prop-a", cfg.PropA, "Proportion with A=1")
	fl.Float64Var(&cfg.PropB, "prop-b", cfg.PropB, "Proportion with B=1")
	fl.Float64Var(&cfg.HazardRatioA, "hr-a", cfg.HazardRatioA, "Hazard ratio of A")
	fl.Float64Var(&cfg.HazardRatioB, "hr-b", cfg.HazardRatioB, "Hazard ratio of B")
	fl.Float64Var(&cfg.BaseHazard, "base-hazard", cfg.BaseHazard, "Hazard when A=0 and B=0")
	fl.Float64Var(&cfg.EventRate, "event-rate", cfg.EventRate, "Expected proportion of observed events")
	fl.BoolVar(&cfg.Balanced, "balanced", false, "Use the deterministic balanced design")
	fl.StringVarP(&out, "out", "o", "", "Output file, standard output if empty")
	fl.StringVar(&schemaOut, "schema-out", "", "Also write the YAML schema of the table to this file")

	return cmd
}

func writeSchema(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encodeSchema(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func encodeSchema(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(simulate.Schema()); err != nil {
		return fmt.Errorf("encoding schema: %w", err)
	}
	return enc.Close()
}
