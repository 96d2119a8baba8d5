package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/neotoma-io/neotoma/internal/types"
	"github.com/neotoma-io/neotoma/internal/ui"
)

var (
	sourcesMime  string
	sourcesLimit int
)

var sourcesCmd = &cobra.Command{
	Use:     "sources",
	GroupID: GroupViews,
	Short:   "List stored sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		srcs, err := svc.Sources(rootCtx, types.SourceFilter{
			UserID:   currentUser(),
			MimeType: sourcesMime,
			Limit:    sourcesLimit,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(srcs)
		}
		for _, s := range srcs {
			name := s.OriginalFilename
			if name == "" {
				name = ui.RenderMuted("(unnamed)")
			}
			fmt.Printf("%s  %s  %8d B  %s  %s\n",
				s.CreatedAt.Format(time.RFC3339), ui.RenderAccent(s.ID),
				s.FileSize, s.MimeType, name)
		}
		return nil
	},
}

var sourceRaw bool

var sourceCmd = &cobra.Command{
	Use:     "source <source-id>",
	GroupID: GroupViews,
	Short:   "Show one source (--raw dumps the original bytes)",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sourceRaw {
			_, data, err := svc.OpenSource(rootCtx, currentUser(), args[0])
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		}

		src, err := svc.Source(rootCtx, currentUser(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(src)
		}
		fmt.Printf("%s  %s\n", ui.RenderCategory("source"), src.ID)
		fmt.Printf("hash      %s\n", src.ContentHash)
		fmt.Printf("mime      %s\n", src.MimeType)
		fmt.Printf("size      %d bytes\n", src.FileSize)
		if src.OriginalFilename != "" {
			fmt.Printf("filename  %s\n", src.OriginalFilename)
		}
		fmt.Printf("created   %s\n", src.CreatedAt.Format(time.RFC3339))
		if len(src.Provenance) > 0 {
			prov, _ := json.Marshal(src.Provenance)
			fmt.Printf("origin    %s\n", ui.RenderMuted(string(prov)))
		}
		return nil
	},
}

var (
	interpSource string
	interpStatus string
	interpLimit  int
)

var interpretationsCmd = &cobra.Command{
	Use:     "interpretations",
	GroupID: GroupViews,
	Short:   "List interpretation runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := svc.Interpretations(rootCtx, types.InterpretationFilter{
			UserID:   currentUser(),
			SourceID: interpSource,
			Status:   types.InterpretationStatus(interpStatus),
			Limit:    interpLimit,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(runs)
		}
		for _, run := range runs {
			status := string(run.Status)
			switch run.Status {
			case types.InterpretationSucceeded:
				status = ui.RenderPass(status)
			case types.InterpretationFailed:
				status = ui.RenderFail(status)
			}
			line := fmt.Sprintf("%s  %s  src %s  %s",
				run.StartedAt.Format(time.RFC3339), ui.RenderAccent(run.ID),
				run.SourceID, status)
			if run.Config.ModelID != "" {
				line += ui.RenderMuted("  " + run.Config.Provider + "/" + run.Config.ModelID)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	sourcesCmd.Flags().StringVar(&sourcesMime, "mime", "", "Filter by MIME type")
	sourcesCmd.Flags().IntVar(&sourcesLimit, "limit", 0, "Max results")

	sourceCmd.Flags().BoolVar(&sourceRaw, "raw", false, "Write the original bytes to stdout")

	interpretationsCmd.Flags().StringVar(&interpSource, "source", "", "Filter by source ID")
	interpretationsCmd.Flags().StringVar(&interpStatus, "status", "", "Filter by status: running, succeeded, failed")
	interpretationsCmd.Flags().IntVar(&interpLimit, "limit", 0, "Max results")

	rootCmd.AddCommand(sourcesCmd, sourceCmd, interpretationsCmd)
}
