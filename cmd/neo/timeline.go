package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/neotoma-io/neotoma/internal/types"
	"github.com/neotoma-io/neotoma/internal/ui"
)

var (
	timelineEntity string
	timelineType   string
	timelineSince  string
	timelineUntil  string
	timelineLimit  int
)

var timelineCmd = &cobra.Command{
	Use:     "timeline",
	GroupID: GroupViews,
	Short:   "Show substrate events, newest first",
	Long: `List timeline events: ingests, interpretations, corrections, merges,
deletions. --since and --until take RFC3339 or natural language
("yesterday", "last monday 9am").`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := types.EventFilter{
			UserID:    currentUser(),
			EntityID:  timelineEntity,
			EventType: timelineType,
			Limit:     timelineLimit,
		}
		if timelineSince != "" {
			t, err := parseTimeArg(timelineSince)
			if err != nil {
				return err
			}
			filter.From = &t
		}
		if timelineUntil != "" {
			t, err := parseTimeArg(timelineUntil)
			if err != nil {
				return err
			}
			filter.To = &t
		}

		events, err := svc.Timeline(rootCtx, filter)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(events)
		}
		if len(events) == 0 {
			fmt.Println(ui.RenderMuted("no events"))
			return nil
		}
		for _, e := range events {
			line := fmt.Sprintf("%s  %-26s",
				e.OccurredAt.Format(time.RFC3339), formatEventType(e.EventType))
			if len(e.EntityIDs) > 0 {
				line += "  " + ui.RenderAccent(strings.Join(e.EntityIDs, ", "))
			}
			if e.SourceID != "" {
				line += ui.RenderMuted("  src " + e.SourceID)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func formatEventType(t string) string {
	switch t {
	case types.EventEntityCorrected, types.EventEntityMerged:
		return ui.RenderWarn(t)
	case types.EventEntityDeleted:
		return ui.RenderFail(t)
	default:
		return t
	}
}

func init() {
	timelineCmd.Flags().StringVar(&timelineEntity, "entity", "", "Events touching this entity")
	timelineCmd.Flags().StringVar(&timelineType, "type", "", "Filter by event type")
	timelineCmd.Flags().StringVar(&timelineSince, "since", "", "Events at or after this moment")
	timelineCmd.Flags().StringVar(&timelineUntil, "until", "", "Events at or before this moment")
	timelineCmd.Flags().IntVar(&timelineLimit, "limit", 0, "Max results")

	rootCmd.AddCommand(timelineCmd)
}
