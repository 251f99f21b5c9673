// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-clm/pkg/egress"
)

// RemoteDispatcher runs a plan's dispatcher within the node owning the store,
// through the node's HTTP API. The dispatcher stays a goroutine of the node's
// process; a RemoteDispatcher only controls it.
type RemoteDispatcher struct {
	base   string
	plan   string
	poll   time.Duration
	client *http.Client
}

// NewRemoteDispatcher for a plan of the node whose API listens on the given
// host:port address. The dispatcher's state is requested every poll interval.
func NewRemoteDispatcher(listen, plan string, poll time.Duration) (*RemoteDispatcher, error) {
	base, err := apiBase(listen)
	if err != nil {
		return nil, err
	}

	return &RemoteDispatcher{
		base:   base,
		plan:   plan,
		poll:   poll,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// apiBase is the URL of an API listening on an address. An unspecified host
// is reached through the loopback interface.
func apiBase(listen string) (string, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("HTTP listen address %q: %w", listen, err)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

func (rd *RemoteDispatcher) log() *log.Entry {
	return log.WithFields(log.Fields{
		"plan": rd.plan,
		"node": rd.base,
	})
}

// request the plan's dispatcher resource. An unknown plan results in
// egress.ErrPlanUnknown, an already running loop in egress.ErrAlreadyRunning.
func (rd *RemoteDispatcher) request(ctx context.Context, method string) (resp DispatcherResponse, err error) {
	path := "/plans/" + rd.plan + "/dispatcher"

	req, err := http.NewRequestWithContext(ctx, method, rd.base+path, nil)
	if err != nil {
		return
	}

	httpResp, err := rd.client.Do(req)
	if err != nil {
		return
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return
	}

	if httpResp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := httpResp.Status
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}

		switch httpResp.StatusCode {
		case http.StatusNotFound:
			err = fmt.Errorf("%w: %s", egress.ErrPlanUnknown, msg)
		case http.StatusConflict:
			err = fmt.Errorf("%w: %s", egress.ErrAlreadyRunning, msg)
		default:
			err = fmt.Errorf("%s %s: %s", method, path, strings.TrimSpace(msg))
		}
		return
	}

	err = json.Unmarshal(data, &resp)
	return
}

// Run starts the plan's dispatcher within the node and waits until it ends.
// When the context is done, the dispatcher's loop is ended without stopping
// the plan. The failure of the node's dispatcher is returned.
func (rd *RemoteDispatcher) Run(ctx context.Context) error {
	defer rd.client.CloseIdleConnections()

	if _, err := rd.request(ctx, http.MethodPost); err != nil {
		return err
	}
	rd.log().Info("Dispatcher runs within the node")

	ticker := time.NewTicker(rd.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			endCtx, cancel := context.WithTimeout(context.Background(), rd.client.Timeout)
			defer cancel()

			_, err := rd.request(endCtx, http.MethodDelete)
			return err

		case <-ticker.C:
			resp, err := rd.request(ctx, http.MethodGet)
			if ctx.Err() != nil {
				continue
			} else if err != nil {
				return err
			}

			if !resp.Running {
				if resp.Error != "" {
					return fmt.Errorf("plan %s: %s", rd.plan, resp.Error)
				}
				return nil
			}
		}
	}
}
