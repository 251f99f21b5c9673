// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// bpclm runs the egress dispatcher of one plan, towards one neighbor.
//
// Only one process can use a node's store. If no node runs, bpclm creates one
// for its plan. Otherwise, the plan's dispatcher is run as a goroutine of the
// running node, started and ended through the node's HTTP API. Plans meant to
// be served by bpclm are marked manual, so the node does not start them.
//
// The exit status is 0 after a regular shutdown or when the plan was stopped,
// 1 for a failed dispatcher or configuration, 2 for an unknown plan, 3 if the
// plan's dispatcher is already running, and 4 if the node's store is in use
// while the node offers no HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dtn7/dtn7-clm/pkg/egress"
	"github.com/dtn7/dtn7-clm/pkg/node"
	"github.com/dtn7/dtn7-clm/pkg/storage"
)

const (
	exitFailure        = 1
	exitPlanUnknown    = 2
	exitAlreadyRunning = 3
	exitStoreInUse     = 4

	// remotePoll is the interval between two state requests of a dispatcher
	// running within another process's node.
	remotePoll = time.Second
)

// exitError carries the exit status of a failure.
type exitError struct {
	error
	status int
}

func defaultConfig() string {
	if conf := os.Getenv("DTNCLM_CONFIG"); conf != "" {
		return conf
	}
	return "dtnclm.toml"
}

var configFile = defaultConfig()

var rootCmd = &cobra.Command{
	Use:   "bpclm plan",
	Short: "Run the egress dispatcher of one plan",
	Long: `bpclm dispatches the bundles queued for one neighbor onto the outduct of
the neighbor's egress plan, until it receives SIGINT or the plan is stopped.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Usage()
		}
		return run(args[0])
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", configFile,
		"node configuration, defaults to $DTNCLM_CONFIG")
}

func run(plan string) error {
	conf, err := node.LoadConfig(configFile)
	if err != nil {
		return exitError{err, exitFailure}
	}
	node.SetupLogging(conf.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	n, err := node.New(conf, plan)
	if errors.Is(err, storage.ErrStoreInUse) {
		err = runRemote(ctx, conf, plan, err)
	} else if err == nil {
		err = n.Run(ctx)
	}

	switch {
	case errors.Is(err, egress.ErrPlanUnknown):
		return exitError{err, exitPlanUnknown}
	case errors.Is(err, egress.ErrAlreadyRunning):
		return exitError{err, exitAlreadyRunning}
	case errors.Is(err, storage.ErrStoreInUse):
		return exitError{err, exitStoreInUse}
	case err != nil:
		return exitError{err, exitFailure}
	}

	log.WithField("plan", plan).Info("Dispatcher ended")
	return nil
}

// runRemote runs the plan's dispatcher within the node using the store.
func runRemote(ctx context.Context, conf node.Config, plan string, inUse error) error {
	if conf.HTTP.Listen == "" {
		return fmt.Errorf("%w, but the node has no HTTP API to run the dispatcher", inUse)
	}

	rd, err := node.NewRemoteDispatcher(conf.HTTP.Listen, plan, remotePoll)
	if err != nil {
		return err
	}
	return rd.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		status := exitFailure
		var exitErr exitError
		if errors.As(err, &exitErr) {
			status = exitErr.status
		}

		log.WithError(err).Error("bpclm failed")
		os.Exit(status)
	}
}
