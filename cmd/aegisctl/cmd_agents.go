package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	agentsCmd.AddCommand(agentsListCmd, agentsRegisterCmd, agentsClaimCmd, agentsSuspendCmd)
	rootCmd.AddCommand(agentsCmd)

	agentsRegisterCmd.Flags().Int64Var(&registerQuota, "quota", 0, "total call quota (0 = unlimited)")
}

var registerQuota int64

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage agent identities",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var agents []map[string]any
		if err := adminRequest("GET", "/admin/v1/agents/", nil, &agents); err != nil {
			return err
		}
		return printJSON(agents)
	},
}

var agentsRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register a new agent and print its API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var agent map[string]any
		payload := map[string]any{"name": args[0], "quota_total": registerQuota}
		if err := adminRequest("POST", "/admin/v1/agents/", payload, &agent); err != nil {
			return err
		}

		fmt.Fprintln(os.Stderr, "Store the API key now; it is never shown again.")
		return printJSON(agent)
	},
}

var agentsClaimCmd = &cobra.Command{
	Use:   "claim <agent-id>",
	Short: "Activate a pending agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var agent map[string]any
		if err := adminRequest("POST", "/admin/v1/agents/"+args[0]+"/claim", nil, &agent); err != nil {
			return err
		}
		return printJSON(agent)
	},
}

var agentsSuspendCmd = &cobra.Command{
	Use:   "suspend <agent-id>",
	Short: "Suspend an agent without deleting its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var agent map[string]any
		if err := adminRequest("POST", "/admin/v1/agents/"+args[0]+"/suspend", nil, &agent); err != nil {
			return err
		}
		return printJSON(agent)
	},
}
