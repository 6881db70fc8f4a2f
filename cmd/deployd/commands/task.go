package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fourclicks/deployd/pkg/engine"
	"github.com/fourclicks/deployd/pkg/progress"
)

func newTaskCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Run and inspect task executions",
	}
	cmd.AddCommand(newTaskRunCommand(g))
	cmd.AddCommand(newTaskListCommand(g))
	return cmd
}

func newTaskRunCommand(g *globals) *cobra.Command {
	var (
		name       string
		params     []string
		ipIDs      []int64
		groupIDs   []int64
		credential int64
		passphrase string
		server     string
	)

	cmd := &cobra.Command{
		Use:   "run <template-id>",
		Short: "Execute a task template and follow its progress",
		Long: `Execute a template against IP addresses and host groups.

Without --server the task runs in this process against the local database.
With --server it is submitted to a running deployd and its event stream is
followed.`,
		Example: `  # Run template 3 on two groups with a stored key
  deployd task run 3 --group 1 --group 2 --credential 1

  # Pass parameters (JSON values keep their type)
  deployd task run 3 --param version=1.4.2 --param replicas=3

  # Submit to a server
  deployd task run 3 --ip 7 --server http://deployd:8080`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var templateID int64
			if _, err := fmt.Sscan(args[0], &templateID); err != nil || templateID <= 0 {
				return fmt.Errorf("invalid template id %q", args[0])
			}
			parameters, err := parseAssignments(params)
			if err != nil {
				return err
			}
			if passphrase == "" {
				passphrase = os.Getenv("DEPLOYD_KEY_PASSPHRASE")
			}

			req := engine.TaskRequest{
				Name:         name,
				TemplateID:   templateID,
				Passphrase:   passphrase,
				Parameters:   parameters,
				IPAddressIDs: ipIDs,
				HostGroupIDs: groupIDs,
			}
			if credential > 0 {
				req.CredentialID = &credential
			}

			printer := newEventPrinter(cmd.OutOrStdout(), g.jsonOutput)
			if server != "" {
				events, err := postStream(cmd.Context(), serverURL(server, "tasks", "execute"), req)
				if err != nil {
					return err
				}
				return printer.follow(events).Err()
			}
			return runTaskLocally(cmd.Context(), g, req, printer)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "task name (defaults to the template name)")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "template parameter key=value")
	cmd.Flags().Int64SliceVar(&ipIDs, "ip", nil, "target IP address id")
	cmd.Flags().Int64SliceVar(&groupIDs, "group", nil, "target host group id")
	cmd.Flags().Int64Var(&credential, "credential", 0, "credential id used to reach the targets")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "credential passphrase (or DEPLOYD_KEY_PASSPHRASE)")
	cmd.Flags().StringVar(&server, "server", "", "deployd server URL")

	return cmd
}

func runTaskLocally(ctx context.Context, g *globals, req engine.TaskRequest, printer *eventPrinter) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	preparer, streamer, err := a.taskEngine()
	if err != nil {
		return err
	}
	sess, err := preparer.Prepare(ctx, req)
	if err != nil {
		return err
	}

	printer.print(progress.New(progress.StatusStarting, "🚀 Starting task %q (#%d)", sess.Task.Name, sess.Task.ID))
	outcome := printer.follow(streamer.Stream(ctx, sess))

	// An interrupted run still gets its final status.
	done := context.WithoutCancel(ctx)
	if outcome.Completed() {
		return preparer.MarkCompleted(done, sess)
	}
	runErr := outcome.Err()
	if ctx.Err() != nil {
		runErr = ctx.Err()
	}
	if err := preparer.MarkFailed(done, sess, runErr); err != nil {
		a.tel.Logger.WithError(err).Error("failed to record task outcome")
	}
	return fmt.Errorf("task %d failed: %w", sess.Task.ID, runErr)
}

func newTaskListCommand(g *globals) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent task executions",
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

			tasks, err := a.store.ListTasks(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			return printTable(cmd.OutOrStdout(), g.jsonOutput, tasks,
				[]string{"ID", "NAME", "TEMPLATE", "STATUS", "CREATED"},
				func(t *engine.Task) []string {
					return []string{
						fmt.Sprint(t.ID), t.Name, fmt.Sprint(t.TemplateID),
						string(t.Status), t.CreatedAt.Format("2006-01-02 15:04:05"),
					}
				})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of tasks")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of tasks to skip")
	return cmd
}
