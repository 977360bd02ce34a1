package main

import (
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	policiesCmd.AddCommand(policiesListCmd, policiesSetCmd)
	rootCmd.AddCommand(policiesCmd, eventsCmd, usageCmd)

	policiesListCmd.Flags().StringVar(&policyTenant, "tenant", "", "filter by tenant id")

	policiesSetCmd.Flags().StringVar(&policyTenant, "tenant", "", "tenant id (empty = global fallback)")
	policiesSetCmd.Flags().StringVar(&policyAction, "action", "log", "enforcement action: block, alert, log, allow")
	policiesSetCmd.Flags().Float64Var(&policyThreshold, "threshold", 0.5, "confidence threshold (0.0-1.0)")
	policiesSetCmd.Flags().StringSliceVar(&policyScanners, "scanners", nil, "scanner ids (empty = all)")

	eventsCmd.Flags().StringVar(&auditAgent, "agent", "", "filter by agent id")
	eventsCmd.Flags().IntVar(&auditLimit, "limit", 20, "maximum entries")
	usageCmd.Flags().StringVar(&auditAgent, "agent", "", "filter by agent id")
	usageCmd.Flags().IntVar(&auditLimit, "limit", 20, "maximum entries")
}

var (
	policyTenant    string
	policyAction    string
	policyThreshold float64
	policyScanners  []string

	auditAgent string
	auditLimit int
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Manage tenant policies",
}

var policiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List policies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var policies []map[string]any
		if err := adminRequest("GET", "/admin/v1/policies/?tenant="+policyTenant, nil, &policies); err != nil {
			return err
		}
		return printJSON(policies)
	},
}

var policiesSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Create or replace a policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := map[string]any{
			"tenant_id": policyTenant,
			"name":      args[0],
			"action":    policyAction,
			"threshold": policyThreshold,
			"scanners":  policyScanners,
			"active":    true,
		}
		var policy map[string]any
		if err := adminRequest("PUT", "/admin/v1/policies/", payload, &policy); err != nil {
			return err
		}
		return printJSON(policy)
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recent behavior events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var events []map[string]any
		path := "/admin/v1/events?agent=" + auditAgent + "&limit=" + strconv.Itoa(auditLimit)
		if err := adminRequest("GET", path, nil, &events); err != nil {
			return err
		}
		return printJSON(events)
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "List recent usage logs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var logs []map[string]any
		path := "/admin/v1/usage?agent=" + auditAgent + "&limit=" + strconv.Itoa(auditLimit)
		if err := adminRequest("GET", path, nil, &logs); err != nil {
			return err
		}
		return printJSON(logs)
	},
}
