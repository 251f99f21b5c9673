// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"net/http"

	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Inspect, stop and resume egress plans",
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all plans with their queues and throttle",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printJSON(cmd.OutOrStdout(), http.MethodGet, "/plans", nil)
	},
}

var planShowCmd = &cobra.Command{
	Use:   "show name",
	Short: "Show one plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd.OutOrStdout(), http.MethodGet, "/plans/"+args[0], nil)
	},
}

var planStopCmd = &cobra.Command{
	Use:   "stop name",
	Short: "Stop a plan's dispatcher",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd.OutOrStdout(), http.MethodPost, "/plans/"+args[0]+"/stop", nil)
	},
}

var planResumeCmd = &cobra.Command{
	Use:   "resume name",
	Short: "Resume a stopped plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd.OutOrStdout(), http.MethodPost, "/plans/"+args[0]+"/resume", nil)
	},
}

func init() {
	planCmd.AddCommand(planListCmd, planShowCmd, planStopCmd, planResumeCmd)
	rootCmd.AddCommand(planCmd)
}
