package main

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator health and queue occupancy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(serverURL)

			report, code, err := client.health()
			if err != nil {
				return err
			}
			stats, err := client.queueStats()
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(map[string]interface{}{"health": report, "queue": stats})
			}

			fmt.Printf("Overall: %v\n", report["state"])
			if components, ok := report["components"].(map[string]interface{}); ok {
				names := make([]string, 0, len(components))
				for name := range components {
					names = append(names, name)
				}
				sort.Strings(names)

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "COMPONENT\tSTATE\tMESSAGE")
				for _, name := range names {
					status, _ := components[name].(map[string]interface{})
					fmt.Fprintf(w, "%s\t%v\t%v\n", name, status["state"], orDash(asString(status["message"])))
				}
				w.Flush()
			}

			fmt.Printf("Queue: %v delayed, %v in flight\n", stats["delayed"], stats["inflight"])

			if code != http.StatusOK {
				return &apiError{Status: code, Message: "orchestrator is unhealthy"}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw reports as JSON")
	return cmd
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
