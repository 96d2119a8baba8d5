package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/neotoma-io/neotoma/internal/ingest"
	"github.com/neotoma-io/neotoma/internal/service"
	"github.com/neotoma-io/neotoma/internal/types"
	"github.com/neotoma-io/neotoma/internal/ui"
)

var (
	ingestMime       string
	ingestFilename   string
	ingestInterpret  bool
	ingestCandidates string
	ingestProvider   string
	ingestModel      string
)

var ingestCmd = &cobra.Command{
	Use:     "ingest <file>",
	GroupID: GroupData,
	Short:   "Store raw content (use - for stdin)",
	Long: `Store raw bytes as an immutable, content-addressed source. Identical
content for the same tenant deduplicates to the original source.

With --interpret, extractor output passed via --candidates is recorded
against the source as observations in the same call.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, name, err := readInput(args[0])
		if err != nil {
			return err
		}
		if ingestFilename == "" {
			ingestFilename = name
		}

		req := service.IngestUnstructuredRequest{
			UserID:           currentUser(),
			Data:             data,
			MimeType:         ingestMime,
			OriginalFilename: ingestFilename,
		}
		if ingestInterpret {
			cands, err := readCandidatesFile(ingestCandidates)
			if err != nil {
				return err
			}
			req.Interpret = true
			req.Candidates = cands
			req.Config = types.InterpretationConfig{
				Provider: ingestProvider,
				ModelID:  ingestModel,
			}
		}

		res, err := svc.IngestUnstructured(rootCtx, req)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}

		if res.Deduplicated {
			fmt.Printf("%s source %s (existing, %d bytes)\n",
				ui.RenderWarn("≡"), res.Source.ID, res.Source.FileSize)
		} else {
			fmt.Printf("%s source %s (%d bytes)\n",
				ui.RenderPass(ui.IconPass), res.Source.ID, res.Source.FileSize)
		}
		printRunSummary(res.Interpretation, res.EntityIDs, res.ObservationCount, res.Warnings)
		return nil
	},
}

var (
	putData           string
	putFile           string
	putExternalID     string
	putPriority       int
	putIdempotencyKey string
)

var putCmd = &cobra.Command{
	Use:     "put <entity-type>",
	GroupID: GroupData,
	Short:   "Ingest caller-shaped records",
	Long: `Ingest structured records the caller already shaped. Fields arrive as
JSON via --data (one record) or --file (a record or an array of records).
Identical payloads deduplicate; pass --idempotency-key to distinguish
intentional resubmissions.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType := args[0]

		records, err := readPutRecords()
		if err != nil {
			return err
		}
		cands := make([]*types.Candidate, 0, len(records))
		for _, fields := range records {
			cands = append(cands, &types.Candidate{
				EntityType: entityType,
				ExternalID: putExternalID,
				Fields:     fields,
			})
		}

		res, err := svc.IngestStructured(rootCtx, ingest.StructuredRequest{
			UserID:         currentUser(),
			Entities:       cands,
			SourcePriority: putPriority,
			IdempotencyKey: putIdempotencyKey,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}

		mark := ui.RenderPass(ui.IconPass)
		if res.Deduplicated {
			mark = ui.RenderWarn("≡")
		}
		fmt.Printf("%s source %s, %d entities\n", mark, res.Source.ID, len(res.EntityIDs))
		for _, id := range res.EntityIDs {
			fmt.Printf("%s%s\n", ui.TreeLast, ui.RenderAccent(id))
		}
		printWarnings(res.Warnings)
		return nil
	},
}

func readInput(arg string) (data []byte, filename string, err error) {
	if arg == "-" {
		data, err = io.ReadAll(os.Stdin)
		return data, "", err
	}
	data, err = os.ReadFile(arg)
	return data, arg, err
}

func readCandidatesFile(path string) ([]*types.Candidate, error) {
	if path == "" {
		return nil, fmt.Errorf("--interpret requires --candidates <file> with extractor output")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cands []*types.Candidate
	if err := json.Unmarshal(raw, &cands); err != nil {
		return nil, fmt.Errorf("parse candidates: %w", err)
	}
	return cands, nil
}

func readPutRecords() ([]map[string]any, error) {
	var raw []byte
	switch {
	case putData != "" && putFile != "":
		return nil, fmt.Errorf("--data and --file are mutually exclusive")
	case putData != "":
		raw = []byte(putData)
	case putFile != "":
		var err error
		raw, err = os.ReadFile(putFile)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("one of --data or --file is required")
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var records []map[string]any
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, fmt.Errorf("parse records: %w", err)
		}
		return records, nil
	}
	var one map[string]any
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	return []map[string]any{one}, nil
}

func printRunSummary(run *types.Interpretation, entityIDs []string, observations int, warnings []string) {
	if run == nil {
		return
	}
	fmt.Printf("%s interpretation %s: %s, %d observations\n",
		ui.TreeChild, run.ID, run.Status, observations)
	for _, id := range entityIDs {
		fmt.Printf("%s%s\n", ui.TreeLast, ui.RenderAccent(id))
	}
	printWarnings(warnings)
}

func printWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Printf("%s %s\n", ui.RenderWarn(ui.IconWarn), w)
	}
}

func init() {
	ingestCmd.Flags().StringVar(&ingestMime, "mime", "application/octet-stream", "MIME type of the content")
	ingestCmd.Flags().StringVar(&ingestFilename, "filename", "", "Original filename to record (default: the path argument)")
	ingestCmd.Flags().BoolVar(&ingestInterpret, "interpret", false, "Interpret extractor output against the stored source")
	ingestCmd.Flags().StringVar(&ingestCandidates, "candidates", "", "JSON file with extractor candidates (required with --interpret)")
	ingestCmd.Flags().StringVar(&ingestProvider, "provider", "", "Extractor provider recorded on the interpretation")
	ingestCmd.Flags().StringVar(&ingestModel, "model", "", "Extractor model recorded on the interpretation")

	putCmd.Flags().StringVar(&putData, "data", "", "Record fields as a JSON object")
	putCmd.Flags().StringVar(&putFile, "file", "", "JSON file with a record or an array of records")
	putCmd.Flags().StringVar(&putExternalID, "external-id", "", "Caller identity key for entity resolution")
	putCmd.Flags().IntVar(&putPriority, "priority", 0, "Source priority override (default 500)")
	putCmd.Flags().StringVar(&putIdempotencyKey, "idempotency-key", "", "Distinguishes intentional resubmission of identical payloads")

	rootCmd.AddCommand(ingestCmd, putCmd)
}
