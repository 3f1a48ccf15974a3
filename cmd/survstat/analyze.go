package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mjuetz34/survstat/analysis"
	"github.com/mjuetz34/survstat/cohort"
)

type analyzeOpts struct {
	data      string
	schema    string
	config    string
	jsonOut   bool
	tolerant  bool
	seed      int64
	endpoints []string
	all       bool
}

func newAnalyzeCmd() *cobra.Command {

	var opts analyzeOpts

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze a cohort table",
		Long: `Analyze loads a CSV cohort table, validates it against a YAML schema,
and runs the analysis described by a YAML configuration: Kaplan-Meier
curves with a log-rank test, a Cox regression, and a random forest with
out-of-bag ROC analysis, optionally repeated within strata.

The endpoint comes from the configuration unless --endpoint is given.
Repeat --endpoint, or use --all-endpoints, to analyze several endpoints
in one pass.  The JSON output is then an array of reports.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, &opts)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&opts.data, "data", "", "CSV cohort table")
	fl.StringVar(&opts.schema, "schema", "", "YAML schema of the table")
	fl.StringVar(&opts.config, "config", "", "YAML analysis configuration")
	fl.BoolVar(&opts.jsonOut, "json", false, "Write the report as JSON")
	fl.BoolVar(&opts.tolerant, "tolerant", false, "Record failing components and continue")
	fl.Int64Var(&opts.seed, "seed", -1, "Forest seed, overriding the configuration if not negative")
	fl.StringSliceVar(&opts.endpoints, "endpoint", nil, "Endpoint to analyze, overriding the configuration (repeatable)")
	fl.BoolVar(&opts.all, "all-endpoints", false, "Analyze every endpoint of the schema except the competing one")
	cmd.MarkFlagsMutuallyExclusive("endpoint", "all-endpoints")
	for _, na := range []string{"data", "schema", "config"} {
		_ = cmd.MarkFlagRequired(na)
	}

	return cmd
}

func runAnalyze(cmd *cobra.Command, opts *analyzeOpts) error {

	log, err := newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	schema, err := cohort.ReadSchema(opts.schema)
	if err != nil {
		return err
	}
	cfg, err := readConfig(opts.config)
	if err != nil {
		return err
	}
	if opts.tolerant {
		cfg.Tolerant = true
	}
	if opts.seed >= 0 {
		cfg.Forest.Seed = uint64(opts.seed)
	}

	f, err := os.Open(opts.data)
	if err != nil {
		return err
	}
	defer f.Close()
	tab, err := cohort.ReadTable(f)
	if err != nil {
		return err
	}

	c, err := cohort.Load(tab, schema)
	if err != nil {
		return err
	}
	log.Info("cohort loaded", "path", opts.data, "rows", c.NumRows(), "covariates", len(c.Covariates()))

	eps := endpoints(opts, cfg, schema)
	if len(eps) == 0 {
		return fmt.Errorf("no endpoint to analyze")
	}

	var reps []*analysis.Report
	for _, ep := range eps {
		ec := *cfg
		ec.Endpoint = ep
		if err := ec.Validate(); err != nil {
			return err
		}
		rep, err := analysis.Run(cmd.Context(), c, &ec, log)
		if err != nil {
			return fmt.Errorf("endpoint %s: %w", ep, err)
		}
		reps = append(reps, rep)
	}

	out := cmd.OutOrStdout()
	if opts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if len(reps) == 1 {
			return enc.Encode(reps[0])
		}
		return enc.Encode(reps)
	}
	for i, rep := range reps {
		if i > 0 {
			if _, err := fmt.Fprintln(out); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprint(out, rep.String()); err != nil {
			return err
		}
	}
	return nil
}

func readConfig(path string) (*analysis.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return analysis.DecodeConfig(f)
}

// endpoints returns the endpoints to analyze in order.
func endpoints(opts *analyzeOpts, cfg *analysis.Config, schema *cohort.Schema) []string {
	switch {
	case opts.all:
		var eps []string
		for _, ep := range schema.Endpoints {
			if ep.Name != cfg.Competing {
				eps = append(eps, ep.Name)
			}
		}
		return eps
	case len(opts.endpoints) > 0:
		return opts.endpoints
	case cfg.Endpoint != "":
		return []string{cfg.Endpoint}
	}
	return nil
}
