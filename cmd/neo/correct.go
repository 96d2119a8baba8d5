package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neotoma-io/neotoma/internal/types"
	"github.com/neotoma-io/neotoma/internal/ui"
)

var correctCmd = &cobra.Command{
	Use:     "correct <entity-id> <field> <value>",
	GroupID: GroupData,
	Short:   "Assert a field value that outranks all source data",
	Long: `Append a correction observation at priority 1000. The reducer prefers
it over anything extracted or structured; history stays intact underneath.
Values parse as JSON when they can (42, true, {"a":1}), else as strings.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityID, field, raw := args[0], args[1], args[2]

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}

		obs, err := svc.Correct(rootCtx, currentUser(), entityID, field, value)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(obs)
		}
		fmt.Printf("%s %s.%s corrected (observation %s)\n",
			ui.RenderPass(ui.IconPass), entityID, field, obs.ID)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <entity-id>",
	GroupID: GroupData,
	Short:   "Tombstone an entity (reversible with restore)",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		obs, err := svc.DeleteEntity(rootCtx, currentUser(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(obs)
		}
		fmt.Printf("%s entity %s deleted (observation %s); restore with: neo restore %s\n",
			ui.RenderPass(ui.IconPass), args[0], obs.ID, args[0])
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:     "restore <entity-id>",
	GroupID: GroupData,
	Short:   "Lift a tombstone set by delete",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		obs, err := svc.RestoreEntity(rootCtx, currentUser(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(obs)
		}
		fmt.Printf("%s entity %s restored (observation %s)\n",
			ui.RenderPass(ui.IconPass), args[0], obs.ID)
		return nil
	},
}

var (
	reinterpretCandidates string
	reinterpretProvider   string
	reinterpretModel      string
)

var reinterpretCmd = &cobra.Command{
	Use:     "reinterpret <source-id>",
	GroupID: GroupData,
	Short:   "Run a new interpretation against a stored source",
	Long: `Record a fresh extractor pass over an existing source as a new
interpretation version. Prior observations stay; reads prefer the newest
run per the reducer's ordering.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cands, err := readCandidatesFile(reinterpretCandidates)
		if err != nil {
			return err
		}
		res, err := svc.Reinterpret(rootCtx, currentUser(), args[0], cands, types.InterpretationConfig{
			Provider: reinterpretProvider,
			ModelID:  reinterpretModel,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		printRunSummary(res.Interpretation, res.EntityIDs, res.Observations, res.Warnings)
		return nil
	},
}

func init() {
	reinterpretCmd.Flags().StringVar(&reinterpretCandidates, "candidates", "", "JSON file with extractor candidates (required)")
	reinterpretCmd.Flags().StringVar(&reinterpretProvider, "provider", "", "Extractor provider recorded on the interpretation")
	reinterpretCmd.Flags().StringVar(&reinterpretModel, "model", "", "Extractor model recorded on the interpretation")

	rootCmd.AddCommand(correctCmd, deleteCmd, restoreCmd, reinterpretCmd)
}
