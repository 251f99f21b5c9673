// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dtn7/dtn7-clm/pkg/node"
)

var outductCmd = &cobra.Command{
	Use:   "outduct",
	Short: "List the outducts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printJSON(cmd.OutOrStdout(), http.MethodGet, "/outducts", nil)
	},
}

var contactCmd = &cobra.Command{
	Use:   "contact",
	Short: "List the contacts of the loaded contact plan",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printJSON(cmd.OutOrStdout(), http.MethodGet, "/contacts", nil)
	},
}

var embargoCmd = &cobra.Command{
	Use:   "embargo",
	Short: "Manage embargoes of neighbors towards destinations",
}

var embargoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all embargoes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printJSON(cmd.OutOrStdout(), http.MethodGet, "/embargoes", nil)
	},
}

// parseNodes reads a neighbor's and a destination's node number.
func parseNodes(args []string) (req node.EmbargoRequest, err error) {
	if req.Neighbor, err = strconv.ParseUint(args[0], 10, 64); err != nil {
		err = fmt.Errorf("neighbor: %w", err)
		return
	}
	if req.Destination, err = strconv.ParseUint(args[1], 10, 64); err != nil {
		err = fmt.Errorf("destination: %w", err)
	}
	return
}

var embargoAddCmd = &cobra.Command{
	Use:   "add neighbor destination",
	Short: "Avoid a neighbor for bundles towards a destination node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := parseNodes(args)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), http.MethodPost, "/embargoes", req)
	},
}

var embargoLiftCmd = &cobra.Command{
	Use:   "lift neighbor destination",
	Short: "Lift an embargo and release the limbo",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := parseNodes(args)
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/embargoes/%d/%d", req.Neighbor, req.Destination)
		return printJSON(cmd.OutOrStdout(), http.MethodDelete, path, nil)
	},
}

var limboCmd = &cobra.Command{
	Use:   "limbo",
	Short: "Inspect the limbo",
}

var limboReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Submit all bundles of the limbo for forwarding again",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printJSON(cmd.OutOrStdout(), http.MethodPost, "/limbo/release", nil)
	},
}

func init() {
	embargoCmd.AddCommand(embargoListCmd, embargoAddCmd, embargoLiftCmd)
	limboCmd.AddCommand(limboReleaseCmd)
	rootCmd.AddCommand(outductCmd, contactCmd, embargoCmd, limboCmd)
}
