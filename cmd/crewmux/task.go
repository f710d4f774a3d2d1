package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	v1 "github.com/crewmux/crewmux/pkg/api/v1"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and inspect tasks",
	}
	cmd.AddCommand(newTaskSubmitCmd())
	cmd.AddCommand(newTaskStatusCmd())
	cmd.AddCommand(newTaskCancelCmd())
	return cmd
}

func newTaskSubmitCmd() *cobra.Command {
	var (
		agent     string
		name      string
		kind      string
		priority  string
		retries   int
		timeout   int
		dependsOn []string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "submit <command>",
		Short: "Submit a task for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(serverURL)
			req := &v1.SubmitTaskRequest{
				Agent:        agent,
				Name:         name,
				Kind:         kind,
				Command:      args[0],
				Priority:     priority,
				Dependencies: dependsOn,
			}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &retries
			}
			if cmd.Flags().Changed("timeout") {
				req.TimeoutSeconds = &timeout
			}

			resp, err := client.submitTask(req)
			if err != nil {
				return err
			}
			fmt.Println(resp.TaskID)

			if wait {
				return waitForTask(client, resp.TaskID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&agent, "agent", "a", "", "target agent id (required)")
	cmd.Flags().StringVar(&name, "name", "", "human readable task name")
	cmd.Flags().StringVar(&kind, "kind", "", "command kind (shell or prompt)")
	cmd.Flags().StringVarP(&priority, "priority", "p", "NORMAL",
		"priority: CRITICAL, HIGH, NORMAL, LOW or BACKGROUND")
	cmd.Flags().IntVar(&retries, "max-retries", 0, "retry budget for transient failures")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "execution timeout in seconds")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "task ids that must complete first")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "poll until the task reaches a terminal state")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newTaskStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the current state of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newClient(serverURL).getTask(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(t)
			}
			printTask(t)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full task record as JSON")
	return cmd
}

func newTaskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task and skip its dependents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient(serverURL).cancelTask(args[0]); err != nil {
				return err
			}
			fmt.Printf("cancelled %s\n", args[0])
			return nil
		},
	}
}

// waitForTask polls until the task is terminal. A task that ends anywhere
// but COMPLETED is reported as an error.
func waitForTask(client *apiClient, taskID string) error {
	for {
		t, err := client.getTask(taskID)
		if err != nil {
			return err
		}
		if t.State.Terminal() {
			printTask(t)
			if t.State != v1.TaskStateCompleted {
				return fmt.Errorf("task %s ended %s", taskID, t.State)
			}
			return nil
		}
		time.Sleep(time.Second)
	}
}

func printTask(t *v1.Task) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", t.ID)
	if t.Name != "" {
		fmt.Fprintf(w, "Name:\t%s\n", t.Name)
	}
	fmt.Fprintf(w, "Agent:\t%s\n", t.Agent)
	fmt.Fprintf(w, "State:\t%s\n", t.State)
	fmt.Fprintf(w, "Priority:\t%s\n", t.Priority)
	fmt.Fprintf(w, "Retries:\t%d/%d\n", t.RetryCount, t.MaxRetries)
	if t.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", t.Error)
	}
	if t.Result != nil && t.Result.Output != "" {
		fmt.Fprintf(w, "Output:\t%s\n", t.Result.Output)
	}
	w.Flush()
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
