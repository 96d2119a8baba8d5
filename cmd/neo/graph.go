package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neotoma-io/neotoma/internal/query"
	"github.com/neotoma-io/neotoma/internal/ui"
)

var (
	relDirection string
	relType      string
)

var relationshipsCmd = &cobra.Command{
	Use:     "relationships <entity-id>",
	GroupID: GroupViews,
	Short:   "List relationship edges touching an entity",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snaps, err := svc.Relationships(rootCtx, currentUser(), args[0],
			query.Direction(relDirection), relType)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(snaps)
		}
		if len(snaps) == 0 {
			fmt.Println(ui.RenderMuted("no relationships"))
			return nil
		}
		for _, s := range snaps {
			fmt.Printf("%s %s %s\n",
				ui.RenderAccent(s.SourceEntityID),
				ui.RenderMuted("─"+s.RelationshipType+"→"),
				ui.RenderAccent(s.TargetEntityID))
		}
		return nil
	},
}

var (
	relatedTypes []string
	relatedDepth int
)

var relatedCmd = &cobra.Command{
	Use:     "related <entity-id>",
	GroupID: GroupViews,
	Short:   "Walk the relationship graph breadth-first",
	Long: `Find entities reachable through relationship edges, up to --depth hops.
Traversal crosses every node; --type narrows which entities are reported,
not which are walked through.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		related, err := svc.RelatedEntities(rootCtx, currentUser(), args[0], relatedTypes, relatedDepth)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(related)
		}
		if len(related) == 0 {
			fmt.Println(ui.RenderMuted("no related entities"))
			return nil
		}
		for _, r := range related {
			indent := ""
			for i := 1; i < r.Depth; i++ {
				indent += ui.TreeIndent
			}
			name := r.Snapshot.CanonicalName
			if name == "" {
				name = r.Snapshot.EntityID
			}
			fmt.Printf("%s%s%s  %s\n", indent, ui.TreeChild,
				ui.RenderAccent(r.Snapshot.EntityID), name)
		}
		return nil
	},
}

var neighborhoodType string

var neighborhoodCmd = &cobra.Command{
	Use:     "neighborhood <entity-id>",
	GroupID: GroupViews,
	Short:   "Show an entity with its incident edges and neighbors",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := svc.GraphNeighborhood(rootCtx, currentUser(), args[0], neighborhoodType)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(n)
		}

		title := n.Entity.CanonicalName
		if title == "" {
			title = n.Entity.EntityID
		}
		fmt.Printf("%s  %s\n", ui.RenderCategory(n.Entity.EntityType), title)
		fmt.Println(ui.RenderSeparator())
		for _, e := range n.Edges {
			other := e.TargetEntityID
			arrow := "─" + e.RelationshipType + "→"
			if other == n.Entity.EntityID {
				other = e.SourceEntityID
				arrow = "←" + e.RelationshipType + "─"
			}
			line := fmt.Sprintf("%s %s", ui.RenderMuted(arrow), ui.RenderAccent(other))
			if nb, ok := n.Neighbors[other]; ok && nb.CanonicalName != "" {
				line += "  " + nb.CanonicalName
			} else if nb, ok := n.Neighbors[other]; ok {
				fields, _ := json.Marshal(nb.Fields)
				line += "  " + ui.RenderMuted(string(fields))
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	relationshipsCmd.Flags().StringVar(&relDirection, "direction", "both", "Edge direction: outbound, inbound, both")
	relationshipsCmd.Flags().StringVar(&relType, "type", "", "Filter by relationship type")

	relatedCmd.Flags().StringSliceVar(&relatedTypes, "type", nil, "Report only these entity types (repeatable)")
	relatedCmd.Flags().IntVar(&relatedDepth, "depth", 1, "How many hops to walk")

	neighborhoodCmd.Flags().StringVar(&neighborhoodType, "node-type", "", "Require the node to be this entity type")

	rootCmd.AddCommand(relationshipsCmd, relatedCmd, neighborhoodCmd)
}
