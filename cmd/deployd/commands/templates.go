package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fourclicks/deployd/pkg/engine"
)

func newTemplatesCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage task templates",
	}
	cmd.AddCommand(newTemplatesAddCommand(g))
	cmd.AddCommand(newTemplatesListCommand(g))
	return cmd
}

func newTemplatesAddCommand(g *globals) *cobra.Command {
	var (
		kind       string
		schemaFile string
	)

	cmd := &cobra.Command{
		Use:   "add <name> <path>",
		Short: "Register a template file",
		Long: `Register an Ansible playbook or Bash script. The path is relative to the
configured tasks directory and must exist there.`,
		Example: `  deployd templates add nginx playbooks/nginx.yml --kind ansible
  deployd templates add cleanup scripts/cleanup.sh --kind bash`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			tmpl := &engine.Template{
				Name:   args[0],
				Kind:   engine.TemplateKind(kind),
				Path:   filepath.ToSlash(filepath.Clean(args[1])),
				Active: true,
			}
			if err := tmpl.Kind.Validate(); err != nil {
				return err
			}
			if !filepath.IsLocal(tmpl.Path) {
				return fmt.Errorf("template path %q must stay inside the tasks directory", args[1])
			}
			if _, err := os.Stat(filepath.Join(cfg.Paths.TasksDir, tmpl.Path)); err != nil {
				return fmt.Errorf("template file not found in %s: %w", cfg.Paths.TasksDir, err)
			}
			if schemaFile != "" {
				data, err := os.ReadFile(schemaFile)
				if err != nil {
					return fmt.Errorf("failed to read parameter schema: %w", err)
				}
				if !json.Valid(data) {
					return fmt.Errorf("parameter schema %s is not valid JSON", schemaFile)
				}
				tmpl.ParameterSchema = data
			}

			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			if err := a.store.CreateTemplate(cmd.Context(), tmpl); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Template %q registered with id %d\n", tmpl.Name, tmpl.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(engine.TemplateKindBash), "template kind (ansible, bash)")
	cmd.Flags().StringVar(&schemaFile, "schema", "", "JSON document describing the parameters")
	return cmd
}

func newTemplatesListCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List task templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			templates, err := a.store.ListTemplates(cmd.Context())
			if err != nil {
				return err
			}
			return printTable(cmd.OutOrStdout(), g.jsonOutput, templates,
				[]string{"ID", "NAME", "KIND", "PATH", "ACTIVE"},
				func(t *engine.Template) []string {
					return []string{strconv.FormatInt(t.ID, 10), t.Name, string(t.Kind), t.Path, strconv.FormatBool(t.Active)}
				})
		},
	}
}
