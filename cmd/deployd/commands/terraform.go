package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fourclicks/deployd/pkg/progress"
	"github.com/fourclicks/deployd/pkg/terraform"
)

func newTerraformCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "terraform",
		Aliases: []string{"tf"},
		Short:   "Run terraform operations on a project",
		Long: `Run terraform in <infra-dir>/<project>/infra/terraform.

Variables come from exactly one source: --var flags, --var-file, or the
variables stored for the project (--from-db). Without --var and --var-file
the stored variables are used. A confirmed apply syncs inventory outputs
into host groups; a confirmed destroy removes the workspace's groups.`,
	}
	for _, op := range []terraform.Operation{terraform.OperationPlan, terraform.OperationApply, terraform.OperationDestroy} {
		cmd.AddCommand(newTerraformOpCommand(g, op))
	}
	cmd.AddCommand(newTerraformInitCommand(g))
	return cmd
}

func newTerraformOpCommand(g *globals, op terraform.Operation) *cobra.Command {
	var (
		workspace string
		vars      []string
		varFile   string
		fromDB    bool
		server    string
	)

	cmd := &cobra.Command{
		Use:   string(op) + " <project>",
		Short: fmt.Sprintf("Run terraform %s", op),
		Example: fmt.Sprintf(`  # Use the variables stored for the workspace
  deployd terraform %[1]s shop --workspace prod

  # Pass variables explicitly
  deployd terraform %[1]s shop --workspace prod --var instance_count=3`, op),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			variables, err := parseAssignments(vars)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("from-db") {
				fromDB = len(variables) == 0 && varFile == ""
			}

			printer := newEventPrinter(cmd.OutOrStdout(), g.jsonOutput)
			if server != "" {
				url := serverURL(server, "projects", args[0], "workspaces", workspace, string(op)) +
					fmt.Sprintf("?from_db=%t", fromDB)
				body := map[string]any{"variables": variables, "var_file": varFile}
				events, err := postStream(cmd.Context(), url, body)
				if err != nil {
					return err
				}
				return terraformResult(op, printer.follow(events))
			}

			return runTerraformLocally(cmd.Context(), g, terraform.Request{
				Operation: op,
				Project:   args[0],
				Workspace: workspace,
				Variables: variables,
				VarFile:   varFile,
				FromStore: fromDB,
			}, printer)
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "terraform workspace")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "variable key=value")
	cmd.Flags().StringVar(&varFile, "var-file", "", "variable file, relative to the project")
	cmd.Flags().BoolVar(&fromDB, "from-db", false, "use the stored variables of the project")
	cmd.Flags().StringVar(&server, "server", "", "deployd server URL")
	_ = cmd.MarkFlagRequired("workspace")

	return cmd
}

func newTerraformInitCommand(g *globals) *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "init <project>",
		Short: "Run terraform init",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printer := newEventPrinter(cmd.OutOrStdout(), g.jsonOutput)
			if server != "" {
				events, err := postStream(cmd.Context(), serverURL(server, "projects", args[0], "init"), struct{}{})
				if err != nil {
					return err
				}
				return terraformResult(terraform.OperationInit, printer.follow(events))
			}
			return runTerraformLocally(cmd.Context(), g, terraform.Request{
				Operation: terraform.OperationInit,
				Project:   args[0],
			}, printer)
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "deployd server URL")
	return cmd
}

func runTerraformLocally(ctx context.Context, g *globals, req terraform.Request, printer *eventPrinter) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	runner, _, err := a.terraformRunner()
	if err != nil {
		return err
	}
	lines, err := runner.Run(ctx, req)
	if err != nil {
		return err
	}
	outcome := printer.follow(terraform.Events(req, lines, runner.Classifier()))

	// Inventory sync runs after the stream; let it finish before exiting.
	a.waitHooks(ctx)
	return terraformResult(req.Operation, outcome)
}

// terraformResult fails only when the stream reported an error. An
// unconfirmed run was already reported as a warning.
func terraformResult(op terraform.Operation, outcome *progress.Outcome) error {
	if outcome.Failed() {
		return fmt.Errorf("terraform %s failed", op)
	}
	return nil
}
