// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// clmadmin administrates a running dtnclmd through its HTTP API.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func defaultAPI() string {
	if api := os.Getenv("DTNCLM_API"); api != "" {
		return api
	}
	return "http://127.0.0.1:8080"
}

var apiAddress = defaultAPI()

var rootCmd = &cobra.Command{
	Use:   "clmadmin",
	Short: "Administrate the egress side of a DTN node",
	Long: `clmadmin inspects and controls a running dtnclmd: its egress plans,
outducts, contacts and embargoes, the limbo, and its telemetry. Bundles can be
submitted for forwarding.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&apiAddress, "api", "a", apiAddress,
		"HTTP API of the node, defaults to $DTNCLM_API")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
