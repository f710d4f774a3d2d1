package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	v1 "github.com/crewmux/crewmux/pkg/api/v1"
)

func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Define and run workflows",
	}
	cmd.AddCommand(newWorkflowDefineCmd())
	cmd.AddCommand(newWorkflowExecuteCmd())
	cmd.AddCommand(newWorkflowStatusCmd())
	cmd.AddCommand(newWorkflowCancelCmd())
	return cmd
}

func newWorkflowDefineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "define <file.yaml>",
		Short: "Define a workflow from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var spec v1.WorkflowSpec
			if err := yaml.Unmarshal(data, &spec); err != nil {
				return fmt.Errorf("invalid workflow file %s: %w", args[0], err)
			}

			resp, err := newClient(serverURL).defineWorkflow(&spec)
			if err != nil {
				return err
			}
			fmt.Println(resp.WorkflowID)
			return nil
		},
	}
}

func newWorkflowExecuteCmd() *cobra.Command {
	var (
		params []string
		wait   bool
	)

	cmd := &cobra.Command{
		Use:   "execute <workflow-id>",
		Short: "Start a workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(serverURL)

			paramMap := make(map[string]interface{}, len(params))
			for _, kv := range params {
				key, value, ok := cutParam(kv)
				if !ok {
					return fmt.Errorf("parameter %q is not key=value", kv)
				}
				paramMap[key] = value
			}

			resp, err := client.executeWorkflow(args[0], paramMap)
			if err != nil {
				return err
			}
			fmt.Println(resp.ExecutionID)

			if wait {
				return waitForExecution(client, resp.ExecutionID)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&params, "param", nil, "execution parameter as key=value (repeatable)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "poll until the run reaches a terminal state")
	return cmd
}

func newWorkflowStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show a workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := newClient(serverURL).getExecution(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(exec)
			}
			printExecution(exec)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full execution record as JSON")
	return cmd
}

func newWorkflowCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient(serverURL).cancelExecution(args[0]); err != nil {
				return err
			}
			fmt.Printf("cancelled %s\n", args[0])
			return nil
		},
	}
}

func waitForExecution(client *apiClient, executionID string) error {
	for {
		exec, err := client.getExecution(executionID)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			printExecution(exec)
			if exec.Status != v1.ExecutionCompleted {
				return fmt.Errorf("execution %s ended %s", executionID, exec.Status)
			}
			return nil
		}
		time.Sleep(time.Second)
	}
}

func printExecution(exec *v1.Execution) {
	fmt.Printf("Execution: %s\nWorkflow:  %s\nStatus:    %s\n", exec.ID, exec.WorkflowID, exec.Status)
	if exec.Error != "" {
		fmt.Printf("Error:     %s\n", exec.Error)
	}

	ids := make([]string, 0, len(exec.Steps))
	for id := range exec.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATE\tTASK\tERROR")
	for _, id := range ids {
		step := exec.Steps[id]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, step.State, orDash(step.TaskID), orDash(step.Error))
	}
	w.Flush()
}

// cutParam splits key=value at the first equals sign.
func cutParam(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], kv[:i] != ""
		}
	}
	return "", "", false
}
