// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package node

// BundleRequest describes a JSON to be POSTed to /bundles.
type BundleRequest struct {
	Source          string `json:"source"`
	Destination     string `json:"destination"`
	Priority        string `json:"priority"`
	Lifetime        string `json:"lifetime"`
	Payload         []byte `json:"payload"`
	Custody         bool   `json:"custody"`
	MustNotFragment bool   `json:"must-not-fragment"`
}

// BundleResponse describes a JSON response for /bundles.
type BundleResponse struct {
	Handle uint64 `json:"handle"`
	Id     string `json:"id"`
}

// EmbargoRequest describes a JSON to be POSTed to /embargoes.
type EmbargoRequest struct {
	Neighbor    uint64 `json:"neighbor"`
	Destination uint64 `json:"destination"`
}

// LimboResponse describes a JSON response for /limbo/release.
type LimboResponse struct {
	Released int `json:"released"`
}

// PlanResponse describes a JSON response for /plans/{name}/stop and
// /plans/{name}/resume.
type PlanResponse struct {
	Name    string `json:"name"`
	Stopped bool   `json:"stopped"`
	Running bool   `json:"running"`
}

// DispatcherResponse describes a JSON response for /plans/{name}/dispatcher.
// Error holds the failure which ended the last loop, if any.
type DispatcherResponse struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}
