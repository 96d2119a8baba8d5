package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/neotoma-io/neotoma/internal/ui"
)

var mergeYes bool

var mergeCmd = &cobra.Command{
	Use:     "merge <from-entity-id> <to-entity-id>",
	GroupID: GroupData,
	Short:   "Merge one entity into another",
	Long: `Repoint every observation from one entity onto another and leave a
redirect behind. The move is auditable and one-way: there is no unmerge.
Reads of the old ID follow the redirect.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fromID, toID := args[0], args[1]

		if !mergeYes {
			if !ui.IsTerminal() {
				return fmt.Errorf("merge is irreversible; pass --yes to confirm")
			}
			var confirmed bool
			form := huh.NewForm(huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("Merge %s into %s?", fromID, toID)).
					Description("Observations move, a redirect stays behind. This cannot be undone.").
					Affirmative("Merge").
					Negative("Cancel").
					Value(&confirmed),
			))
			if err := form.Run(); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Fprintln(os.Stderr, "Merge cancelled.")
					return nil
				}
				return err
			}
			if !confirmed {
				fmt.Fprintln(os.Stderr, "Merge cancelled.")
				return nil
			}
		}

		m, err := svc.MergeEntities(rootCtx, currentUser(), fromID, toID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(m)
		}
		fmt.Printf("%s merged %s into %s (%d observations moved)\n",
			ui.RenderPass(ui.IconPass), m.FromEntityID, ui.RenderAccent(m.ToEntityID),
			m.ObservationsMoved)
		return nil
	},
}

func init() {
	mergeCmd.Flags().BoolVar(&mergeYes, "yes", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(mergeCmd)
}
