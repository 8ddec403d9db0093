package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mpataki/devflow/internal/definition"
	"github.com/mpataki/devflow/internal/loader"
	"github.com/mpataki/devflow/internal/models"
	"github.com/spf13/cobra"
)

func newWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Manage workflow definitions and versions",
	}
	cmd.AddCommand(
		newWorkflowCreateCommand(),
		newWorkflowPublishCommand(),
		newWorkflowListCommand(),
		newWorkflowShowCommand(),
		newWorkflowVersionsCommand(),
		newWorkflowDefaultCommand(),
		newWorkflowDeleteVersionCommand(),
	)
	return cmd
}

func newWorkflowCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an empty workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			typ, _ := cmd.Flags().GetString("type")
			description, _ := cmd.Flags().GetString("description")

			def, err := a.defs.CreateDefinition(ctx, args[0], typ, description)
			if err != nil {
				return err
			}
			fmt.Printf("Created workflow %q (%s)\n", def.Name, shortID(def.ID))
			return nil
		}),
	}
	cmd.Flags().String("type", "", "Free-form workflow type, e.g. development or bugfix")
	cmd.Flags().String("description", "", "What the workflow is for")
	return cmd
}

func newWorkflowPublishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <file|name>",
		Short: "Publish a workflow file as a new version",
		Long: "Publishes a YAML or Lua workflow file as the next version of its definition,\n" +
			"creating the definition on first publish. A bare name is looked up in the\n" +
			"configured workflow directories.",
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			makeDefault, _ := cmd.Flags().GetBool("default")

			doc, err := findDocument(a, args[0])
			if err != nil {
				return err
			}

			def, v, err := publishDocument(ctx, a.defs, doc, makeDefault)
			if err != nil {
				return err
			}

			fmt.Printf("Published %s v%d (%d stages, %d transitions)\n", def.Name, v.Number, len(v.Stages), len(v.Transitions))
			if makeDefault || v.Number == 1 {
				fmt.Println("New sessions will use this version.")
			}
			return nil
		}),
	}
	cmd.Flags().Bool("default", false, "Make the new version the default for new sessions")
	return cmd
}

// publishDocument validates doc before touching the store, so a broken first
// file never leaves an empty definition behind.
func publishDocument(ctx context.Context, defs *definition.Store, doc *loader.Document, makeDefault bool) (*models.WorkflowDefinition, *models.WorkflowVersion, error) {
	spec := doc.VersionSpec()
	spec.MakeDefault = makeDefault
	if err := definition.Validate(spec); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", doc.Name, err)
	}

	def, err := defs.GetDefinitionByName(ctx, doc.Name)
	if errors.Is(err, models.ErrNotFound) {
		def, err = defs.CreateDefinition(ctx, doc.Name, doc.Type, doc.Description)
	}
	if err != nil {
		return nil, nil, err
	}

	v, err := defs.PublishVersion(ctx, def.ID, spec)
	if err != nil {
		return nil, nil, err
	}
	return def, v, nil
}

func findDocument(a *app, arg string) (*loader.Document, error) {
	if _, err := os.Stat(arg); err == nil {
		return loader.Parse(arg)
	}

	docs, err := loader.LoadAll(a.cfg.WorkflowDirs)
	if err != nil {
		return nil, err
	}
	doc, ok := docs[arg]
	if !ok {
		return nil, fmt.Errorf("no workflow file named %q in %s", arg, strings.Join(a.cfg.WorkflowDirs, ", "))
	}
	return doc, nil
}

func newWorkflowListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflow definitions",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			defs, err := a.defs.ListDefinitions(ctx)
			if err != nil {
				return err
			}
			if len(defs) == 0 {
				fmt.Println("No workflows found.")
				return nil
			}

			for _, def := range defs {
				current := "-"
				if def.DefaultVersionID != "" {
					if v, err := a.defs.GetVersion(ctx, def.DefaultVersionID); err == nil {
						current = fmt.Sprintf("v%d", v.Number)
					}
				}
				fmt.Printf("%-24s %-12s default %-4s latest v%d  %s\n",
					def.Name, def.Type, current, def.LatestVersion, truncate(def.Description, 40))
			}
			return nil
		}),
	}
}

func newWorkflowShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show the stages and transitions of a version",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			number, _ := cmd.Flags().GetInt("version")

			def, err := a.defs.GetDefinitionByName(ctx, args[0])
			if err != nil {
				return err
			}
			v, err := resolveVersion(ctx, a, def, number)
			if err != nil {
				return err
			}

			fmt.Printf("%s v%d", def.Name, v.Number)
			if v.ID == def.DefaultVersionID {
				fmt.Print(" (default)")
			}
			if v.AllowCycles {
				fmt.Print(" [cycles allowed]")
			}
			fmt.Println()
			if def.Description != "" {
				fmt.Println(def.Description)
			}

			for _, st := range v.Stages {
				fmt.Printf("\n%d. %s\n", st.Order, st.Name)
				if st.Description != "" {
					fmt.Printf("   %s\n", st.Description)
				}
				for _, item := range st.Checklist {
					optional := ""
					if item.Optional {
						optional = " (optional)"
					}
					fmt.Printf("   [ ] %s: %s%s\n", item.ID, item.Label, optional)
				}
				for _, d := range st.Deliverables {
					fmt.Printf("   -> %s\n", d)
				}
				for _, t := range v.Outgoing(st.ID) {
					to, _ := v.Stage(t.ToStageID)
					when := "when checklist complete"
					if !t.Unconditional() {
						when = "when " + t.Condition
					}
					fmt.Printf("   => %s (priority %d, %s)\n", to.Name, t.Priority, when)
				}
			}
			return nil
		}),
	}
	cmd.Flags().Int("version", 0, "Version number (default: the default version)")
	return cmd
}

func newWorkflowVersionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <name>",
		Short: "List the published versions of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			def, err := a.defs.GetDefinitionByName(ctx, args[0])
			if err != nil {
				return err
			}
			versions, err := a.defs.ListVersions(ctx, def.ID)
			if err != nil {
				return err
			}
			if len(versions) == 0 {
				fmt.Println("No versions published.")
				return nil
			}

			for _, v := range versions {
				marker := " "
				if v.ID == def.DefaultVersionID {
					marker = "*"
				}
				fmt.Printf("%s v%-3d %s  %s\n", marker, v.Number, shortID(v.ID), v.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		}),
	}
}

func newWorkflowDefaultCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "default <name> <version>",
		Short: "Choose the version new sessions start from",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			def, v, err := definitionVersion(ctx, a, args[0], args[1])
			if err != nil {
				return err
			}
			if err := a.defs.SetDefaultVersion(ctx, def.ID, v.ID); err != nil {
				return err
			}
			fmt.Printf("%s now defaults to v%d\n", def.Name, v.Number)
			return nil
		}),
	}
}

func newWorkflowDeleteVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-version <name> <version>",
		Short: "Delete a version no session has used",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			def, v, err := definitionVersion(ctx, a, args[0], args[1])
			if err != nil {
				return err
			}
			if err := a.defs.DeleteVersion(ctx, v.ID); err != nil {
				return err
			}
			fmt.Printf("Deleted %s v%d\n", def.Name, v.Number)
			return nil
		}),
	}
}

func definitionVersion(ctx context.Context, a *app, name, number string) (*models.WorkflowDefinition, *models.WorkflowVersion, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(number, "v"))
	if err != nil || n <= 0 {
		return nil, nil, fmt.Errorf("invalid version %q", number)
	}
	def, err := a.defs.GetDefinitionByName(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	v, err := resolveVersion(ctx, a, def, n)
	return def, v, err
}

// resolveVersion returns version number of def, or its default when number is 0.
func resolveVersion(ctx context.Context, a *app, def *models.WorkflowDefinition, number int) (*models.WorkflowVersion, error) {
	if number == 0 {
		return a.defs.DefaultVersion(ctx, def.ID)
	}
	versions, err := a.defs.ListVersions(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		if v.Number == number {
			return a.defs.GetVersion(ctx, v.ID)
		}
	}
	return nil, models.NotFoundError("workflow version", fmt.Sprintf("%s v%d", def.Name, number))
}
