package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func buildSeedCmd(flags *rootFlags) *cobra.Command {
	var collection string
	cmd := &cobra.Command{
		Use:   "seed [file.yaml]",
		Short: "Load entities and relationships from a YAML file",
		Long: `Load entities and relationships from a YAML file:

  collection: ashfall
  entities:
    - key: saltmere
      type: location
      name: Saltmere
      fields: {summary: A drowned port city.}
    - key: quill
      type: character
      name: Harbormaster Quill
  relationships:
    - {source: quill, target: saltmere, label: lives_in}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			sf, err := parseSeed(f)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), flags, false)
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := applySeed(cmd.Context(), a.store, sf, orCollection(collection, a))
			fmt.Fprintf(cmd.OutOrStdout(), "Created %d entities and %d relationships.\n", stats.Entities, stats.Relationships)
			return err
		},
	}
	cmd.Flags().StringVar(&collection, "collection", "", "Collection when the file names none (default from config)")
	return cmd
}
