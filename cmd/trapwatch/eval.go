package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/trapwatch/internal/config"
	"github.com/ashita-ai/trapwatch/internal/engine"
	"github.com/ashita-ai/trapwatch/internal/export"
	"github.com/ashita-ai/trapwatch/internal/model"
)

type evalOptions struct {
	in       string
	out      string
	config   string
	state    string
	stateOut string
}

func newEvalCmd() *cobra.Command {
	var opts evalOptions
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a TSV telemetry export offline",
		Long: `Evaluates a tab-separated telemetry export (timestamp, cycle count,
activity) against a trap config history and writes one TSV record per sample.
Evaluation starts from a fresh state unless -state names a saved one.`,
		Example: "trapwatch eval --in VT3609.tsv --out VT3609.out.tsv --config config/VT3609.json",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEval(opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.in, "in", "", "telemetry TSV to evaluate")
	f.StringVar(&opts.out, "out", "", "result TSV to write (default stdout)")
	f.StringVar(&opts.config, "config", "", "trap config history JSON")
	f.StringVar(&opts.state, "state", "", "retained state JSON to start from")
	f.StringVar(&opts.stateOut, "state-out", "", "write the final retained state JSON here")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runEval(opts evalOptions, stdout io.Writer) error {
	history, err := config.LoadConfigHistory(opts.config)
	if err != nil {
		return err
	}

	in, err := os.Open(opts.in)
	if err != nil {
		return fmt.Errorf("eval: open input: %w", err)
	}
	defer func() { _ = in.Close() }()
	samples, err := export.ReadSamplesTSV(in)
	if err != nil {
		return err
	}

	state := model.NewRetainedState()
	if opts.state != "" {
		data, err := os.ReadFile(opts.state)
		if err != nil {
			return fmt.Errorf("eval: read state: %w", err)
		}
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("eval: decode state: %w", err)
		}
	}

	res, err := engine.Evaluate(samples, history, state)
	if err != nil {
		return err
	}

	w := stdout
	if opts.out != "" {
		f, err := os.Create(opts.out)
		if err != nil {
			return fmt.Errorf("eval: create output: %w", err)
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	if err := export.WriteRecordsTSV(w, res.Records); err != nil {
		return err
	}

	if opts.stateOut != "" {
		data, err := json.MarshalIndent(res.State, "", "  ")
		if err != nil {
			return fmt.Errorf("eval: encode state: %w", err)
		}
		if err := os.WriteFile(opts.stateOut, data, 0o644); err != nil {
			return fmt.Errorf("eval: write state: %w", err)
		}
	}
	return nil
}
