package main

import (
	"context"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newLsCmd())
}

func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls [prefix]",
		Short: "List files in the configured store",
		Long: `The ls command lists the files of the local working directory, or of
the MinIO or S3 bucket selected with the storage flags.

Example:
  voxstat ls --minio-endpoint localhost:9000 --bucket assets models/`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLs(cmd.Context(), args)
		},
	}
	return cmd
}

func runLs(ctx context.Context, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var p string
	if len(args) == 1 {
		p = args[0]
	}

	store, _, err := openStore(ctx, nil)
	if err != nil {
		return err
	}
	names, err := store.List(ctx, p)
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(names)
	}
	for _, n := range names {
		printInfo("%s\n", n)
	}
	return nil
}
