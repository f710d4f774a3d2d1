// Package main is the crewmux command line client. It talks to a running
// orchestrator over its REST API.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes. Caller mistakes are 1, missing resources are 2 and an
// unreachable or unhealthy orchestrator is 3.
const (
	exitOK          = 0
	exitCallerError = 1
	exitNotFound    = 2
	exitUnavailable = 3
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:           "crewmux",
	Short:         "Control a crewmux orchestrator",
	Long:          "crewmux submits tasks, manages agents and drives workflows on a running orchestrator.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s",
		envOr("CREWMUX_SERVER", "http://127.0.0.1:8080"), "orchestrator base URL")

	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newTaskCmd())
	rootCmd.AddCommand(newAgentCmd())
	rootCmd.AddCommand(newWorkflowCmd())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusNotFound:
			return exitNotFound
		case apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500:
			return exitUnavailable
		case apiErr.Status >= 400:
			return exitCallerError
		}
	}
	if errors.Is(err, errUnreachable) {
		return exitUnavailable
	}
	return exitCallerError
}
