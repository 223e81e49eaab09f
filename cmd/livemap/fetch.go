package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/topographica/livemap/internal/api"
	"github.com/topographica/livemap/internal/config"
)

func newFetchCmd() *cobra.Command {
	var (
		configDir string
		world     string
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch one snapshot and print it",
		Long: `Performs a single players.json request for one world and prints the
decoded snapshot as JSON. Without --world the first configured world is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Load(configDir); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v, using defaults\n", err)
			}

			if world == "" {
				worlds, err := config.GetWorlds()
				if err != nil {
					return err
				}
				if len(worlds) == 0 {
					return fmt.Errorf("no worlds configured")
				}
				world = worlds[0].FolderName
			}

			fc := config.GetFetchConfig()
			client := api.New(fc.ServerURL, fc.Timeout)
			snap, err := client.FetchPlayers(cmd.Context(), world)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
	cmd.Flags().StringVar(&configDir, "config", ".", "directory containing "+config.FileName)
	cmd.Flags().StringVar(&world, "world", "", "world folder name")
	return cmd
}
