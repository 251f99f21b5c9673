// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/dtn7/dtn7-clm/pkg/node"
)

var bundleReq node.BundleRequest

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Submit bundles",
}

var bundleSendCmd = &cobra.Command{
	Use:   "send destination [file]",
	Short: "Submit a bundle for forwarding, reading its payload from a file or stdin",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		req := bundleReq
		req.Destination = args[0]

		if len(args) == 1 || args[1] == "-" {
			req.Payload, err = io.ReadAll(cmd.InOrStdin())
		} else {
			req.Payload, err = os.ReadFile(args[1])
		}
		if err != nil {
			return
		}

		return printJSON(cmd.OutOrStdout(), http.MethodPost, "/bundles", req)
	},
}

func init() {
	flags := bundleSendCmd.Flags()
	flags.StringVarP(&bundleReq.Source, "source", "s", "", "source endpoint, defaults to the node")
	flags.StringVarP(&bundleReq.Priority, "priority", "p", "standard", "bulk, standard or urgent")
	flags.StringVarP(&bundleReq.Lifetime, "lifetime", "l", "24h", "lifetime of the bundle")
	flags.BoolVar(&bundleReq.Custody, "custody", false, "request custody transfer")
	flags.BoolVar(&bundleReq.MustNotFragment, "must-not-fragment", false, "forbid fragmentation")

	bundleCmd.AddCommand(bundleSendCmd)
	rootCmd.AddCommand(bundleCmd)
}
