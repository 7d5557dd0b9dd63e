package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/matt-riley/decidez/internal/repository"
)

type samplePruner interface {
	DeleteSamplesBefore(ctx context.Context, series string, before time.Time) (int64, error)
}

func newSamplesCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "samples",
		Short: "Maintain historical samples",
	}

	var (
		series    string
		olderThan time.Duration
	)
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete samples of a series older than a retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := openPool(cmd.Context(), root.configFile)
			if err != nil {
				return err
			}
			defer pool.Close()
			return pruneSamples(cmd.Context(), repository.NewPostgresRepository(pool), series, olderThan, time.Now(), cmd.OutOrStdout())
		},
	}
	prune.Flags().StringVar(&series, "series", "", "sample series to prune (required)")
	prune.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "retention window")
	_ = prune.MarkFlagRequired("series")

	cmd.AddCommand(prune)
	return cmd
}

func pruneSamples(ctx context.Context, store samplePruner, series string, olderThan time.Duration, now time.Time, out io.Writer) error {
	if series == "" {
		return errors.New("series is required")
	}
	if olderThan <= 0 {
		return errors.New("older-than must be > 0")
	}

	deleted, err := store.DeleteSamplesBefore(ctx, series, now.Add(-olderThan))
	if err != nil {
		return fmt.Errorf("prune samples: %w", err)
	}
	fmt.Fprintf(out, "deleted %d samples from %s\n", deleted, series)
	return nil
}
