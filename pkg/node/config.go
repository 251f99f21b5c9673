// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package node wires the parts of a DTN egress node together: the store, the
// forwarder and its clock, the contact plan, one dispatcher per egress plan,
// one adapter per outduct, the convergence-layer receivers and the HTTP API.
//
// A node is described by a TOML configuration, see Config.
package node

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
	"github.com/dtn7/dtn7-clm/pkg/egress"
)

// Config describes the TOML configuration of a node.
type Config struct {
	Core      CoreConf
	Logging   LogConf
	Scheduler SchedulerConf
	HTTP      HTTPConf `toml:"http"`
	Clock     ClockConf
	Outduct   []OutductConf
	Plan      []PlanConf
	Embargo   []EmbargoConf
	Listen    []ListenConf
}

// CoreConf describes the Core-configuration block.
type CoreConf struct {
	Store       string
	NodeId      string `toml:"node-id"`
	ContactPlan string `toml:"contact-plan"`

	// Activity writes the activity characters to stdout.
	Activity bool
}

// LogConf describes the Logging-configuration block.
type LogConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// SchedulerConf describes the Scheduler-configuration block of all
// dispatchers.
type SchedulerConf struct {
	Mode              string
	StarvationSeconds uint64   `toml:"starvation-seconds"`
	PollInterval      Duration `toml:"poll-interval"`
}

// HTTPConf describes the HTTP API. An empty Listen address disables it.
type HTTPConf struct {
	Listen string
}

// ClockConf describes the intervals of the periodic jobs.
type ClockConf struct {
	Tick   Duration
	Expire Duration
	Limbo  Duration
}

// OutductConf describes one [[outduct]], a convergence-layer binding towards
// a neighbor.
type OutductConf struct {
	Name       string
	Protocol   string
	Endpoint   string
	MaxPayload uint64 `toml:"max-payload"`
	FecData    int    `toml:"fec-data"`
	FecParity  int    `toml:"fec-parity"`
}

// PlanConf describes one [[plan]], the egress plan of a neighbor. The
// dispatcher of a manual plan is not started with the node, but by bpclm.
type PlanConf struct {
	Name        string
	Neighbor    string
	Outduct     string
	NominalRate uint64 `toml:"nominal-rate"`
	Manual      bool
}

// EmbargoConf describes one [[embargo]] of a neighbor towards a destination
// node.
type EmbargoConf struct {
	Neighbor    uint64
	Destination uint64
}

// ListenConf describes one [[listen]], a convergence-layer receiver.
type ListenConf struct {
	Protocol string
	Endpoint string
}

// Duration is a time.Duration, decoded from a string like "1m30s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText formats a Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

const (
	defaultTick   = time.Second
	defaultExpire = 10 * time.Second
	defaultLimbo  = 30 * time.Second
)

// LoadConfig reads and validates a TOML configuration file.
func LoadConfig(filename string) (conf Config, err error) {
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	err = conf.prepare()
	return
}

// ParseConfig reads and validates a TOML configuration from a string.
func ParseConfig(data string) (conf Config, err error) {
	if _, err = toml.Decode(data, &conf); err != nil {
		return
	}

	err = conf.prepare()
	return
}

func (conf *Config) prepare() error {
	for _, d := range []struct {
		field *Duration
		value time.Duration
	}{
		{&conf.Clock.Tick, defaultTick},
		{&conf.Clock.Expire, defaultExpire},
		{&conf.Clock.Limbo, defaultLimbo},
	} {
		if d.field.Duration <= 0 {
			d.field.Duration = d.value
		}
	}

	if conf.Scheduler.StarvationSeconds == 0 {
		conf.Scheduler.StarvationSeconds = egress.DefaultStarvationSeconds
	}

	return conf.Validate()
}

// LocalNode returns the node number of the configured ipn node id.
func (conf Config) LocalNode() (uint64, error) {
	eid, err := bpv7.NewEndpointID(conf.Core.NodeId)
	if err != nil {
		return 0, err
	}

	node, ok := eid.NodeNumber()
	if !ok {
		return 0, fmt.Errorf("node-id %v is not an ipn endpoint", eid)
	}
	return node, nil
}

// DispatcherConfig of all dispatchers.
func (conf Config) DispatcherConfig() (egress.Config, error) {
	mode, err := egress.ParseMode(conf.Scheduler.Mode)
	if err != nil {
		return egress.Config{}, err
	}

	return egress.Config{
		Mode:              mode,
		StarvationSeconds: conf.Scheduler.StarvationSeconds,
		PollInterval:      conf.Scheduler.PollInterval.Duration,
	}, nil
}

// Validate checks the configuration, reporting all errors at once.
func (conf Config) Validate() (errs error) {
	if conf.Core.Store == "" {
		errs = multierror.Append(errs, fmt.Errorf("core.store is empty"))
	}
	if _, err := conf.LocalNode(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("core.node-id: %w", err))
	}
	if _, err := conf.DispatcherConfig(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("scheduler.mode: %w", err))
	}

	outducts := make(map[string]bool)
	for i, oc := range conf.Outduct {
		if oc.Name == "" {
			errs = multierror.Append(errs, fmt.Errorf("outduct %d: name is empty", i))
		} else if outducts[oc.Name] {
			errs = multierror.Append(errs, fmt.Errorf("outduct %s: name is not unique", oc.Name))
		}
		outducts[oc.Name] = true

		if oc.Protocol != "mtcp" {
			errs = multierror.Append(errs, fmt.Errorf("outduct %s: unknown protocol %q", oc.Name, oc.Protocol))
		}
		if oc.Endpoint == "" {
			errs = multierror.Append(errs, fmt.Errorf("outduct %s: endpoint is empty", oc.Name))
		}
		if oc.FecData < 0 || oc.FecParity < 0 || (oc.FecData == 0) != (oc.FecParity == 0) {
			errs = multierror.Append(errs, fmt.Errorf("outduct %s: fec-data and fec-parity must both be positive or zero", oc.Name))
		}
	}

	plans := make(map[string]bool)
	for i, pc := range conf.Plan {
		if pc.Name == "" {
			errs = multierror.Append(errs, fmt.Errorf("plan %d: name is empty", i))
		} else if plans[pc.Name] {
			errs = multierror.Append(errs, fmt.Errorf("plan %s: name is not unique", pc.Name))
		}
		plans[pc.Name] = true

		if _, err := bpv7.NewEndpointID(pc.Neighbor); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("plan %s: neighbor: %w", pc.Name, err))
		}
		if !outducts[pc.Outduct] {
			errs = multierror.Append(errs, fmt.Errorf("plan %s: unknown outduct %q", pc.Name, pc.Outduct))
		}
	}

	for i, ec := range conf.Embargo {
		if ec.Neighbor == 0 || ec.Destination == 0 {
			errs = multierror.Append(errs, fmt.Errorf("embargo %d: node numbers must be >= 1", i))
		}
	}

	for i, lc := range conf.Listen {
		if lc.Protocol != "mtcp" {
			errs = multierror.Append(errs, fmt.Errorf("listen %d: unknown protocol %q", i, lc.Protocol))
		}
	}
	return
}
