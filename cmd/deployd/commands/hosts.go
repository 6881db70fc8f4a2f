package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fourclicks/deployd/pkg/stores"
	"github.com/fourclicks/deployd/pkg/transports/ssh"
)

func newHostsCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "Manage target addresses and host groups",
	}
	cmd.AddCommand(newHostsAddCommand(g))
	cmd.AddCommand(newHostsGroupsCommand(g))
	cmd.AddCommand(newHostsPushKeyCommand(g))
	return cmd
}

func newHostsAddCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "add <address>...",
		Short: "Register target addresses",
		Args:  cobra.MinimumNArgs(1),
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

			for _, addr := range args {
				id, err := a.store.CreateIPAddress(cmd.Context(), strings.TrimSpace(addr))
				if err != nil {
					return fmt.Errorf("failed to add %s: %w", addr, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", id, addr)
			}
			return nil
		},
	}
}

func newHostsGroupsCommand(g *globals) *cobra.Command {
	var project, workspace string

	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List host groups",
		Long: `List host groups. With --project and --workspace only the groups of that
project or workspace are shown; global groups have no workspace.`,
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

			var filter *string
			if cmd.Flags().Changed("workspace") {
				filter = &workspace
			}
			groups, err := a.store.ListHostGroups(cmd.Context(), project, filter)
			if err != nil {
				return err
			}
			return printTable(cmd.OutOrStdout(), g.jsonOutput, groups,
				[]string{"ID", "PROJECT", "NAME", "WORKSPACE", "ADDRESSES"},
				func(hg *stores.HostGroup) []string {
					ws := "(global)"
					if hg.Workspace != nil {
						ws = *hg.Workspace
					}
					return []string{strconv.FormatInt(hg.ID, 10), hg.Project, hg.Name, ws, strings.Join(hg.Addresses, ",")}
				})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "only groups of this project")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "only groups of this workspace")
	return cmd
}

func newHostsPushKeyCommand(g *globals) *cobra.Command {
	var (
		credential int64
		user       string
		port       int
		password   string
		identity   string
		dir        string
		strict     bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "push-key <host>",
		Short: "Authorize a stored key on a host",
		Long: `Append the public key of a stored credential to the authorized_keys of
a user on a host, logging in with a password or an existing key. The key is
not added twice.`,
		Example: `  # Log in with a password (or DEPLOYD_SSH_PASSWORD)
  deployd hosts push-key 10.0.0.5 --credential 1 --user root --password hunter2

  # Log in with an existing key
  deployd hosts push-key 10.0.0.5 --credential 1 --user deploy --identity ~/.ssh/id_ed25519`,
		Args: cobra.ExactArgs(1),
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

			rec, err := a.store.GetCredential(cmd.Context(), credential)
			if err != nil {
				return err
			}

			if user == "" {
				user = cfg.SSH.User
			}
			if password == "" {
				password = os.Getenv("DEPLOYD_SSH_PASSWORD")
			}
			sshCfg := ssh.DefaultConfig(args[0], user)
			sshCfg.Port = port
			sshCfg.Password = password
			sshCfg.PrivateKeyPath = identity
			sshCfg.StrictHostKeyChecking = strict
			sshCfg.ConnectionTimeout = timeout

			client, err := ssh.Dial(cmd.Context(), sshCfg, a.tel.Logger)
			if err != nil {
				return err
			}
			defer client.Close()

			changed, err := client.InstallAuthorizedKey(cmd.Context(), rec.PublicKey, dir)
			if err != nil {
				return err
			}
			if changed {
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Key %q authorized for %s@%s\n", rec.Name, user, args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Key %q was already authorized for %s@%s\n", rec.Name, user, args[0])
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&credential, "credential", 0, "credential id whose public key is pushed")
	cmd.Flags().StringVarP(&user, "user", "u", "", "login user (defaults to ssh.user)")
	cmd.Flags().IntVar(&port, "port", 22, "SSH port")
	cmd.Flags().StringVar(&password, "password", "", "login password (or DEPLOYD_SSH_PASSWORD)")
	cmd.Flags().StringVarP(&identity, "identity", "i", "", "private key used to log in")
	cmd.Flags().StringVar(&dir, "dir", ".ssh", "remote directory holding authorized_keys")
	cmd.Flags().BoolVar(&strict, "strict-host-key-checking", false, "verify the host key against known_hosts")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "connection timeout")
	_ = cmd.MarkFlagRequired("credential")
	return cmd
}
