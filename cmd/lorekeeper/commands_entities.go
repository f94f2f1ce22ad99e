package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"lorekeeper/internal/domain"
)

func buildEntitiesCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entities",
		Short: "Browse the entity store",
	}
	cmd.AddCommand(
		buildEntitiesListCmd(flags),
		buildEntitiesSearchCmd(flags),
		buildEntitiesShowCmd(flags),
		buildEntitiesCollectionsCmd(flags),
	)
	return cmd
}

func buildEntitiesListCmd(flags *rootFlags) *cobra.Command {
	var (
		collection string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list [type]",
		Short: "List entities of one type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, false)
			if err != nil {
				return err
			}
			defer a.close()

			entities, err := a.store.List(cmd.Context(), domain.ListQuery{
				CollectionID: orCollection(collection, a),
				Type:         args[0],
				Limit:        limit,
			})
			if err != nil {
				return err
			}
			printEntities(cmd.OutOrStdout(), entities)
			return nil
		},
	}
	cmd.Flags().StringVar(&collection, "collection", "", "Collection (default from config)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of results")
	return cmd
}

func buildEntitiesSearchCmd(flags *rootFlags) *cobra.Command {
	var (
		collection string
		types      []string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search entities by name and content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, false)
			if err != nil {
				return err
			}
			defer a.close()

			entities, err := a.store.Search(cmd.Context(), domain.SearchQuery{
				CollectionID: orCollection(collection, a),
				Text:         args[0],
				Types:        types,
				Limit:        limit,
			})
			if err != nil {
				return err
			}
			printEntities(cmd.OutOrStdout(), entities)
			return nil
		},
	}
	cmd.Flags().StringVar(&collection, "collection", "", "Collection (default from config)")
	cmd.Flags().StringSliceVar(&types, "type", nil, "Restrict to these entity types")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of results")
	return cmd
}

func buildEntitiesShowCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show [type] [id]",
		Short: "Show one entity with its relationships",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, false)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			e, err := a.store.Get(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			rels, err := a.store.Relationships(ctx, e.Type, e.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, domain.FormatCitation(e.Type, e.ID, e.Name))
			if len(e.Fields) > 0 {
				b, _ := json.MarshalIndent(e.Fields, "", "  ")
				fmt.Fprintln(out, string(b))
			}
			for _, r := range rels {
				arrow := "->"
				if r.Bidirectional {
					arrow = "<->"
				}
				fmt.Fprintf(out, "  %s:%s %s[%s] %s:%s\n", r.SourceType, r.SourceID, arrow, r.Label, r.TargetType, r.TargetID)
			}
			return nil
		},
	}
}

func buildEntitiesCollectionsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "List collections that hold entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), flags, false)
			if err != nil {
				return err
			}
			defer a.close()

			cols, err := a.store.Collections(cmd.Context())
			if err != nil {
				return err
			}
			printCollections(cmd.OutOrStdout(), cols, a.cfg.Store.Collection)
			return nil
		},
	}
}

func orCollection(flag string, a *app) string {
	if flag != "" {
		return flag
	}
	return a.cfg.Store.Collection
}
