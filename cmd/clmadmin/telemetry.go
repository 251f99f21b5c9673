// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "Show the telemetry counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printJSON(cmd.OutOrStdout(), http.MethodGet, "/telemetry", nil)
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show the Prometheus exposition",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		data, err := request(http.MethodGet, "/metrics", nil)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the activity characters until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		wsURL := "ws" + strings.TrimPrefix(apiURL("/activity"), "http")

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			return fmt.Errorf("connecting to %s: %w", wsURL, err)
		}

		interrupt := make(chan os.Signal, 1)
		interrupted := make(chan struct{})
		signal.Notify(interrupt, os.Interrupt)
		go func() {
			<-interrupt
			close(interrupted)
			_ = conn.Close()
		}()

		out := cmd.OutOrStdout()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				fmt.Fprintln(out)
				select {
				case <-interrupted:
					return nil
				default:
					return err
				}
			}
			if _, err := out.Write(data); err != nil {
				return err
			}
		}
	},
}

func init() {
	telemetryCmd.AddCommand(metricsCmd, watchCmd)
	rootCmd.AddCommand(telemetryCmd)
}
