package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/matt-riley/decidez/internal/middleware"
	"github.com/matt-riley/decidez/internal/repository"
)

type apiKeyStore interface {
	CreateAPIKey(ctx context.Context, name string) (string, string, error)
	ListAPIKeys(ctx context.Context) ([]repository.APIKeyMeta, error)
	RevokeAPIKey(ctx context.Context, id string) error
}

func newAPIKeyCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
		Long: `Create, list and revoke the API keys accepted as bearer tokens.

Tokens have the form <id>.<secret>. The secret is printed once at creation
and only its bcrypt hash is stored.`,
	}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a key and print its token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAPIKeyStore(cmd.Context(), root.configFile, func(store apiKeyStore) error {
				return createAPIKey(cmd.Context(), store, name, cmd.OutOrStdout())
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "human readable key name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List keys, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAPIKeyStore(cmd.Context(), root.configFile, func(store apiKeyStore) error {
				return listAPIKeys(cmd.Context(), store, cmd.OutOrStdout())
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPIKeyStore(cmd.Context(), root.configFile, func(store apiKeyStore) error {
				return revokeAPIKey(cmd.Context(), store, args[0], cmd.OutOrStdout())
			})
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}

func withAPIKeyStore(ctx context.Context, configFile string, fn func(apiKeyStore) error) error {
	pool, err := openPool(ctx, configFile)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(repository.NewPostgresRepository(pool))
}

func createAPIKey(ctx context.Context, store apiKeyStore, name string, out io.Writer) error {
	id, secret, err := store.CreateAPIKey(ctx, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "id:    %s\ntoken: %s\n", id, middleware.FormatAPIKey(id, secret))
	return nil
}

func listAPIKeys(ctx context.Context, store apiKeyStore, out io.Writer) error {
	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCREATED\tREVOKED")
	for _, k := range keys {
		revoked := "-"
		if k.RevokedAt != nil {
			revoked = k.RevokedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k.ID, k.Name, k.CreatedAt.UTC().Format(time.RFC3339), revoked)
	}
	return tw.Flush()
}

func revokeAPIKey(ctx context.Context, store apiKeyStore, id string, out io.Writer) error {
	if err := store.RevokeAPIKey(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(out, "revoked %s\n", id)
	return nil
}
