package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/neotoma-io/neotoma/internal/types"
	"github.com/neotoma-io/neotoma/internal/ui"
)

var schemaCmd = &cobra.Command{
	Use:     "schema",
	GroupID: GroupSchema,
	Short:   "Manage entity type schemas",
}

var schemaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered entity types",
	RunE: func(cmd *cobra.Command, args []string) error {
		defs, err := svc.Schemas(rootCtx, currentUser())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(defs)
		}
		if len(defs) == 0 {
			fmt.Println(ui.RenderMuted("no schemas registered"))
			return nil
		}
		for _, def := range defs {
			fmt.Printf("%s  %s  %d fields  (%s key)\n",
				ui.RenderAccent(def.EntityType), def.Version, len(def.Fields),
				def.ResolutionKey.Kind)
		}
		return nil
	},
}

var schemaShowVersion string

var schemaShowCmd = &cobra.Command{
	Use:   "show <entity-type>",
	Short: "Show one schema definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := svc.Schema(rootCtx, currentUser(), args[0], schemaShowVersion)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(def)
		}
		fmt.Print(ui.RenderMarkdown(schemaMarkdown(def)))
		return nil
	},
}

// schemaMarkdown renders a definition for the terminal.
func schemaMarkdown(def *types.SchemaDefinition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s %s\n\n", def.EntityType, def.Version)
	fmt.Fprintf(&b, "Resolution: **%s**", def.ResolutionKey.Kind)
	if len(def.ResolutionKey.Fields) > 0 {
		fmt.Fprintf(&b, " on `%s`", strings.Join(def.ResolutionKey.Fields, "`, `"))
	}
	b.WriteString("\n\n| Field | Type | Required |\n|---|---|---|\n")
	for _, f := range def.Fields {
		req := ""
		if f.Required {
			req = "yes"
		}
		fmt.Fprintf(&b, "| %s | %s | %s |\n", f.Name, f.Type, req)
	}
	if len(def.MergePolicies) > 0 {
		b.WriteString("\nMerge policies:\n")
		for field, policy := range def.MergePolicies {
			fmt.Fprintf(&b, "- `%s`: %s\n", field, policy)
		}
	}
	return b.String()
}

var schemaVersionsCmd = &cobra.Command{
	Use:   "versions <entity-type>",
	Short: "List schema versions for an entity type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		versions, err := svc.SchemaVersions(rootCtx, currentUser(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(versions)
		}
		for _, v := range versions {
			fmt.Println(v)
		}
		return nil
	},
}

var schemaRegisterCmd = &cobra.Command{
	Use:   "register <file.yaml>",
	Short: "Register a schema definition from YAML",
	Long: `Register a new entity type, or evolve an existing one. Evolution is
additive only: new optional fields are accepted, removals, type changes,
and new required fields are rejected.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var def types.SchemaDefinition
		if err := yaml.Unmarshal(raw, &def); err != nil {
			return fmt.Errorf("parse schema: %w", err)
		}
		def.UserID = currentUser()

		registered, err := svc.RegisterSchema(rootCtx, &def)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(registered)
		}
		fmt.Printf("%s %s %s registered\n",
			ui.RenderPass(ui.IconPass), registered.EntityType, registered.Version)
		return nil
	},
}

var candidatesReady bool

var schemaCandidatesCmd = &cobra.Command{
	Use:   "candidates <entity-type>",
	Short: "List unknown fields tracked for promotion",
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType := ""
		if len(args) > 0 {
			entityType = args[0]
		}
		var (
			cands []*types.SchemaCandidate
			err   error
		)
		if candidatesReady {
			cands, err = svc.SchemaRecommendations(rootCtx, currentUser(), entityType)
		} else {
			cands, err = svc.SchemaCandidates(rootCtx, currentUser(), entityType)
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cands)
		}
		if len(cands) == 0 {
			fmt.Println(ui.RenderMuted("no candidates"))
			return nil
		}
		for _, c := range cands {
			ready := ""
			if c.Promotable() {
				ready = "  " + ui.RenderPass("ready")
			}
			sample := ""
			if len(c.Samples) > 0 {
				sample = ui.RenderMuted("  e.g. " + c.Samples[0])
			}
			fmt.Printf("%s.%s  %s  seen %d× in %d sources%s%s\n",
				c.EntityType, ui.RenderAccent(c.FieldName), c.InferredType,
				c.Occurrences, c.DistinctSources, ready, sample)
		}
		return nil
	},
}

var promoteForce bool

var schemaPromoteCmd = &cobra.Command{
	Use:   "promote <entity-type> <field>",
	Short: "Promote an unknown field into the schema",
	Long: `Add a tracked unknown field to the schema as a new optional field and
bump the version. Without --force the candidate must have been seen at
least 3 times across 2 sources.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := svc.PromoteField(rootCtx, currentUser(), args[0], args[1], promoteForce)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(def)
		}
		fmt.Printf("%s %s.%s promoted; schema now %s\n",
			ui.RenderPass(ui.IconPass), def.EntityType, args[1], def.Version)
		return nil
	},
}

var schemaExportVersion string

var schemaExportCmd = &cobra.Command{
	Use:   "export <entity-type>",
	Short: "Export a schema as JSON Schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := svc.ExportSchemaJSON(rootCtx, currentUser(), args[0], schemaExportVersion)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	schemaShowCmd.Flags().StringVar(&schemaShowVersion, "version", "", "Schema version (default: latest)")
	schemaExportCmd.Flags().StringVar(&schemaExportVersion, "version", "", "Schema version (default: latest)")
	schemaPromoteCmd.Flags().BoolVar(&promoteForce, "force", false, "Promote below the occurrence thresholds")
	schemaCandidatesCmd.Flags().BoolVar(&candidatesReady, "ready", false, "Only fields that cleared the promotion thresholds")
	schemaCandidatesCmd.Args = cobra.MaximumNArgs(1)

	schemaCmd.AddCommand(schemaListCmd, schemaShowCmd, schemaVersionsCmd,
		schemaRegisterCmd, schemaCandidatesCmd, schemaPromoteCmd, schemaExportCmd)
	rootCmd.AddCommand(schemaCmd)
}
