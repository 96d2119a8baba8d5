package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/neotoma-io/neotoma/internal/types"
	"github.com/neotoma-io/neotoma/internal/ui"
)

var entityCmd = &cobra.Command{
	Use:     "entity",
	GroupID: GroupViews,
	Short:   "Inspect entities and their current truth",
}

var (
	entityListType    string
	entityListMerged  bool
	entityListLimit   int
	entityListOffset  int
	entityListDeleted bool
	entityListFields  []string
)

var entityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entity snapshots",
	Long: `List current-truth snapshots, optionally narrowed by type and exact
field values (--field name=value, repeatable). Tombstoned entities are
hidden unless --include-deleted. --include-merged switches to the identity
listing, where redirected entities appear with their merge target.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if entityListMerged {
			return listEntityIdentities()
		}
		filter := types.SnapshotFilter{
			UserID:         currentUser(),
			EntityType:     entityListType,
			IncludeDeleted: entityListDeleted,
			Limit:          entityListLimit,
			Offset:         entityListOffset,
		}
		if len(entityListFields) > 0 {
			filter.FieldEquals = make(map[string]any, len(entityListFields))
			for _, pair := range entityListFields {
				name, value, ok := strings.Cut(pair, "=")
				if !ok {
					return fmt.Errorf("--field wants name=value, got %q", pair)
				}
				var parsed any
				if err := json.Unmarshal([]byte(value), &parsed); err != nil {
					parsed = value
				}
				filter.FieldEquals[name] = parsed
			}
		}

		snaps, err := svc.Snapshots(rootCtx, filter)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(snaps)
		}
		if len(snaps) == 0 {
			fmt.Println(ui.RenderMuted("no entities"))
			return nil
		}
		for _, s := range snaps {
			name := s.CanonicalName
			if name == "" {
				name = ui.RenderMuted("(unnamed)")
			}
			fmt.Printf("%s  %s  %s\n", ui.RenderAccent(s.EntityID), s.EntityType, name)
		}
		return nil
	},
}

var entityShowAt string

var entityShowCmd = &cobra.Command{
	Use:   "show <entity-id>",
	Short: "Show current truth for one entity",
	Long: `Show the reduced snapshot with per-field provenance. --at rewinds to
what was believed at that moment ("2026-01-02T15:04:05Z" or natural
language like "yesterday 5pm"). Merged entities redirect to their target.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var at *time.Time
		if entityShowAt != "" {
			t, err := parseTimeArg(entityShowAt)
			if err != nil {
				return err
			}
			at = &t
		}

		res, err := svc.EntitySnapshot(rootCtx, currentUser(), args[0], at)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}

		snap := res.Snapshot
		if res.RedirectedFrom != "" {
			fmt.Printf("%s %s merged into %s\n",
				ui.RenderWarn("→"), res.RedirectedFrom, ui.RenderAccent(snap.EntityID))
		}
		title := snap.CanonicalName
		if title == "" {
			title = snap.EntityID
		}
		fmt.Printf("%s  %s\n", ui.RenderCategory(snap.EntityType), title)
		if at != nil {
			fmt.Println(ui.RenderMuted("as of " + at.Format(time.RFC3339)))
		}
		fmt.Println(ui.RenderSeparator())
		printFields(snap)
		return nil
	},
}

func listEntityIdentities() error {
	ents, err := svc.Entities(rootCtx, types.EntityFilter{
		UserID:        currentUser(),
		EntityType:    entityListType,
		IncludeMerged: true,
		Limit:         entityListLimit,
		Offset:        entityListOffset,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(ents)
	}
	for _, e := range ents {
		line := fmt.Sprintf("%s  %s  %s", ui.RenderAccent(e.ID), e.EntityType, e.CanonicalName)
		if e.MergedToEntityID != "" {
			line += ui.RenderMuted(" → " + e.MergedToEntityID)
		}
		fmt.Println(line)
	}
	return nil
}

func printFields(snap *types.EntitySnapshot) {
	names := make([]string, 0, len(snap.Fields))
	for name := range snap.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value, _ := json.Marshal(snap.Fields[name])
		line := fmt.Sprintf("%-20s %s", name, string(value))
		if prov, ok := snap.FieldProvenance[name]; ok {
			line += ui.RenderMuted(fmt.Sprintf("  (prio %d, %s)",
				prov.SourcePriority, prov.ObservedAt.Format("2006-01-02")))
		}
		fmt.Println(line)
	}
}

var (
	obsEntityID string
	obsSourceID string
	obsLimit    int
)

var observationsCmd = &cobra.Command{
	Use:     "observations",
	GroupID: GroupViews,
	Short:   "List raw observations (the append-only log)",
	RunE: func(cmd *cobra.Command, args []string) error {
		obs, err := svc.Observations(rootCtx, types.ObservationFilter{
			UserID:   currentUser(),
			EntityID: obsEntityID,
			SourceID: obsSourceID,
			Limit:    obsLimit,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(obs)
		}
		for _, o := range obs {
			fields, _ := json.Marshal(o.Fields)
			fmt.Printf("%s  %s  prio %4d  %s  %s\n",
				o.ObservedAt.Format(time.RFC3339),
				ui.RenderAccent(o.EntityID),
				o.SourcePriority,
				o.EntityType,
				ui.RenderMuted(string(fields)))
		}
		return nil
	},
}

var provenanceCmd = &cobra.Command{
	Use:     "provenance <entity-id> <field>",
	GroupID: GroupViews,
	Short:   "Trace a field value back to its source",
	Long: `Show the winning observation for a field, the chain back to the raw
source, and the runner-up values the reducer passed over.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := svc.FieldProvenance(rootCtx, currentUser(), args[0], args[1])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}

		w := res.Winner
		fmt.Printf("%s (entity %s)\n", ui.RenderCategory(res.Field), res.EntityID)
		fmt.Printf("%sobservation %s, priority %d, observed %s\n",
			ui.TreeChild, ui.RenderAccent(w.ObservationID), w.SourcePriority,
			w.ObservedAt.Format(time.RFC3339))
		if res.Source != nil {
			fmt.Printf("%ssource %s (%s, %d bytes)\n",
				ui.TreeChild, res.Source.ID, res.Source.MimeType, res.Source.FileSize)
		}
		if res.Interpretation != nil {
			fmt.Printf("%sinterpretation %s (%s)\n",
				ui.TreeChild, res.Interpretation.ID, res.Interpretation.Status)
		}
		for _, ru := range res.RunnersUp {
			fmt.Printf("%s%s\n", ui.TreeLast,
				ui.RenderMuted(fmt.Sprintf("observation %s (prio %d, %s) lost",
					ru.ObservationID, ru.SourcePriority, ru.ObservedAt.Format("2006-01-02"))))
		}
		return nil
	},
}

func init() {
	entityListCmd.Flags().StringVar(&entityListType, "type", "", "Filter by entity type")
	entityListCmd.Flags().BoolVar(&entityListMerged, "include-merged", false, "Include merged (redirected) entities")
	entityListCmd.Flags().BoolVar(&entityListDeleted, "include-deleted", false, "Include tombstoned entities")
	entityListCmd.Flags().IntVar(&entityListLimit, "limit", 0, "Max results")
	entityListCmd.Flags().IntVar(&entityListOffset, "offset", 0, "Skip results")
	entityListCmd.Flags().StringArrayVar(&entityListFields, "field", nil, "Exact field match, name=value (repeatable)")

	entityShowCmd.Flags().StringVar(&entityShowAt, "at", "", "Rewind to this moment (RFC3339 or natural language)")

	observationsCmd.Flags().StringVar(&obsEntityID, "entity", "", "Filter by entity ID")
	observationsCmd.Flags().StringVar(&obsSourceID, "source", "", "Filter by source ID")
	observationsCmd.Flags().IntVar(&obsLimit, "limit", 0, "Max results")

	entityCmd.AddCommand(entityListCmd, entityShowCmd)
	rootCmd.AddCommand(entityCmd, observationsCmd, provenanceCmd)
}
