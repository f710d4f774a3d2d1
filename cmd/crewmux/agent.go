package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect and manage worker agents",
	}
	cmd.AddCommand(newAgentListCmd())
	cmd.AddCommand(newAgentRestartCmd())
	return cmd
}

func newAgentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient(serverURL).listAgents()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSESSION\tSTATUS\tLOAD\tTASK\tCAPABILITIES")
			for _, a := range resp.Agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					a.ID, a.SessionName, a.Status, a.Load,
					orDash(a.CurrentTaskID), orDash(strings.Join(a.Capabilities, ",")))
			}
			return w.Flush()
		},
	}
}

func newAgentRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <agent-id>",
		Short: "Kill and recreate an agent's terminal session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient(serverURL).restartAgent(args[0]); err != nil {
				return err
			}
			fmt.Printf("restarted %s\n", args[0])
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
