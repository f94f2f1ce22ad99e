package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"lorekeeper/internal/domain"
	"lorekeeper/internal/usecase"
)

// describeProposal renders a one-line summary of a proposal.
func describeProposal(p domain.Proposal) string {
	switch p := p.(type) {
	case *domain.CreateProposal:
		return fmt.Sprintf("create %s %q (fields: %s)", p.EntityType, p.Name(), fieldList(p.Data))
	case *domain.UpdateProposal:
		return fmt.Sprintf("update %s %q (fields: %s)", p.EntityType, p.EntityName, fieldList(p.Changes))
	case *domain.PatchProposal:
		fields := make([]string, 0, len(p.Patches))
		for _, fp := range p.Patches {
			fields = append(fields, fp.Field)
		}
		return fmt.Sprintf("patch %s %q (fields: %s)", p.EntityType, p.EntityName, strings.Join(fields, ", "))
	case *domain.RelationshipProposal:
		return fmt.Sprintf("link %q -[%s]-> %q", p.SourceName, p.RelationshipType, p.TargetName)
	default:
		return string(p.Op())
	}
}

func fieldList(m map[string]any) string {
	keys := slices.Sorted(maps.Keys(m))
	if len(keys) == 0 {
		return "none"
	}
	return strings.Join(keys, ", ")
}

// printProposals lists proposals with their id and status.
func printProposals(w io.Writer, proposals []domain.Proposal) {
	if len(proposals) == 0 {
		fmt.Fprintln(w, "No proposals.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCHANGE")
	for _, p := range proposals {
		b := p.Base()
		fmt.Fprintf(tw, "%s\t%s\t%s\n", b.ID, b.Status, describeProposal(p))
	}
	tw.Flush()
}

// printPatchDiffs shows the diffs carried by a patch proposal.
func printPatchDiffs(w io.Writer, p domain.Proposal) {
	pp, ok := p.(*domain.PatchProposal)
	if !ok {
		return
	}
	for _, fp := range pp.Patches {
		if fp.Diff != "" {
			fmt.Fprintf(w, "--- %s\n%s\n", fp.Field, strings.TrimRight(fp.Diff, "\n"))
		}
	}
}

func printAccepted(w io.Writer, res *usecase.AcceptResult) {
	switch {
	case res.Entity != nil:
		fmt.Fprintf(w, "Accepted: %s\n", domain.FormatCitation(res.Entity.Type, res.Entity.ID, res.Entity.Name))
	case len(res.Relationships) > 0:
		r := res.Relationships[0]
		fmt.Fprintf(w, "Accepted: %s %s -> %s\n", r.Label, r.SourceID, r.TargetID)
	default:
		fmt.Fprintf(w, "Accepted %s\n", res.Proposal.Base().ID)
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
}

func printWorkItems(w io.Writer, items []domain.WorkItem, counts map[domain.WorkItemStatus]int) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No work items.")
		return
	}
	for _, it := range items {
		fmt.Fprintf(w, "  [%s] %s %s\n", it.Status, it.ID, it.Description)
	}
	fmt.Fprintf(w, "%d pending, %d in progress, %d done\n",
		counts[domain.WorkItemPending], counts[domain.WorkItemInProgress], counts[domain.WorkItemDone])
}

// printCollections lists collection ids, starring the configured default.
func printCollections(w io.Writer, cols []string, current string) {
	if len(cols) == 0 {
		fmt.Fprintln(w, "No collections.")
		return
	}
	for _, c := range cols {
		mark := " "
		if c == current {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %s\n", mark, c)
	}
}

func printEntities(w io.Writer, entities []domain.Entity) {
	if len(entities) == 0 {
		fmt.Fprintln(w, "No entities found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tID\tNAME")
	for _, e := range entities {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Type, e.ID, e.Name)
	}
	tw.Flush()
}
