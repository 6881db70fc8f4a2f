package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fourclicks/deployd/pkg/stores"
)

func newVarsCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vars",
		Short: "Manage stored terraform variables",
		Long: `Manage the terraform variables stored per project. A variable without a
workspace applies to every workspace; a workspace variable overrides it.`,
	}
	cmd.AddCommand(newVarsSetCommand(g))
	cmd.AddCommand(newVarsListCommand(g))
	return cmd
}

func newVarsSetCommand(g *globals) *cobra.Command {
	var (
		workspace string
		sensitive bool
	)

	cmd := &cobra.Command{
		Use:   "set <project> <key>=<value>...",
		Short: "Set variables of a project",
		Example: `  deployd vars set shop region=eu-west-1 instance_count=3
  deployd vars set shop --workspace prod 'tags=["prod","shop"]'`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			cfg, err := g.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			for key, value := range values {
				raw, err := json.Marshal(value)
				if err != nil {
					return fmt.Errorf("failed to encode %s: %w", key, err)
				}
				if err := a.store.SetVariable(cmd.Context(), &stores.Variable{
					Project:   args[0],
					Workspace: workspace,
					Key:       key,
					Value:     raw,
					Sensitive: sensitive,
				}); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %d variable(s) set for %s\n", len(values), args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace (empty applies to all)")
	cmd.Flags().BoolVar(&sensitive, "sensitive", false, "hide the value in listings")
	return cmd
}

func newVarsListCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list <project>",
		Short: "List variables of a project",
		Args:  cobra.ExactArgs(1),
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

			vars, err := a.store.ListVariables(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, v := range vars {
				if v.Sensitive {
					v.Value = json.RawMessage(`"(sensitive)"`)
				}
			}
			return printTable(cmd.OutOrStdout(), g.jsonOutput, vars,
				[]string{"WORKSPACE", "KEY", "VALUE"},
				func(v *stores.Variable) []string {
					ws := v.Workspace
					if ws == "" {
						ws = "(all)"
					}
					return []string{ws, v.Key, string(v.Value)}
				})
		},
	}
}
