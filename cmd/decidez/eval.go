package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/matt-riley/decidez/internal/provider"
	"github.com/matt-riley/decidez/internal/ruleset"
)

type evalOptions struct {
	rulesFile   string
	contextFile string
	keys        []string
}

type evalResult struct {
	Key      string `json:"key"`
	Strategy string `json:"strategy"`
	Value    any    `json:"value"`
	Matched  bool   `json:"matched"`
}

func newEvalCmd() *cobra.Command {
	opts := &evalOptions{}
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a rules file locally",
		Long: `Compile a YAML or JSON rules file and evaluate its decisions against a
context read from a JSON file ("-" reads stdin). Historical decisions have no
samples offline and resolve to their fallback.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var contextData []byte
			switch opts.contextFile {
			case "":
			case "-":
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read context: %w", err)
				}
				contextData = data
			default:
				data, err := os.ReadFile(opts.contextFile)
				if err != nil {
					return fmt.Errorf("read context: %w", err)
				}
				contextData = data
			}
			return runEval(opts.rulesFile, contextData, opts.keys, time.Now(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.rulesFile, "rules", "", "rules file to evaluate (required)")
	cmd.Flags().StringVar(&opts.contextFile, "context", "", "JSON evaluation context file")
	cmd.Flags().StringSliceVar(&opts.keys, "key", nil, "only evaluate these decision keys (repeatable)")
	_ = cmd.MarkFlagRequired("rules")
	return cmd
}

func runEval(rulesFile string, contextData []byte, keys []string, now time.Time, out io.Writer) error {
	doc, err := ruleset.LoadFile(rulesFile)
	if err != nil {
		return err
	}
	compiled, err := ruleset.CompileDocument(doc, ruleset.WithClock(func() time.Time { return now }))
	if err != nil {
		return err
	}
	request, err := provider.DecodeRequest(contextData, now, now)
	if err != nil {
		return err
	}
	evalContext := request.CurrentContext()

	found := make(map[string]bool, len(keys))
	results := make([]evalResult, 0, len(compiled))
	for _, c := range compiled {
		if len(keys) > 0 && !slices.Contains(keys, c.Key()) {
			continue
		}
		found[c.Key()] = true
		value, matched := c.Decide(evalContext)
		results = append(results, evalResult{
			Key:      c.Key(),
			Strategy: string(c.Strategy()),
			Value:    value,
			Matched:  matched,
		})
	}
	for _, key := range keys {
		if !found[key] {
			return fmt.Errorf("decision %q not found in %s", key, rulesFile)
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
