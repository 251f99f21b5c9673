// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"errors"
	"time"

	"github.com/RyanCarrier/dijkstra"

	"github.com/dtn7/dtn7-clm/pkg/storage"
)

// contactGraph maps node numbers to the contiguous vertex ids of a dijkstra.Graph.
type contactGraph struct {
	graph *dijkstra.Graph

	vertices map[uint64]int
	nodes    []uint64
}

func (cg *contactGraph) vertex(node uint64) int {
	if v, ok := cg.vertices[node]; ok {
		return v
	}

	v := len(cg.nodes)
	cg.vertices[node] = v
	cg.nodes = append(cg.nodes, node)
	cg.graph.AddVertex(v)
	return v
}

// newContactGraph builds a graph of all contacts not yet ended. An arc's
// distance is the waiting time in milliseconds until its contact starts, plus
// one per hop. Arcs from local to any avoided neighbor are left out.
func newContactGraph(crs []storage.ContactRecord, local uint64, avoid map[uint64]bool, now time.Time) (*contactGraph, error) {
	cg := &contactGraph{
		graph:    dijkstra.NewGraph(),
		vertices: make(map[uint64]int),
	}
	cg.vertex(local)

	best := make(map[[2]uint64]int64)
	for _, cr := range crs {
		if !now.Before(cr.End) || cr.From == cr.To {
			continue
		}
		if cr.From == local && avoid[cr.To] {
			continue
		}

		dist := int64(1)
		if wait := cr.Start.Sub(now); wait > 0 {
			dist += wait.Milliseconds()
		}

		arc := [2]uint64{cr.From, cr.To}
		if d, ok := best[arc]; !ok || dist < d {
			best[arc] = dist
		}
	}

	for arc, dist := range best {
		src, dst := cg.vertex(arc[0]), cg.vertex(arc[1])
		if err := cg.graph.AddArc(src, dst, dist); err != nil {
			return nil, err
		}
	}
	return cg, nil
}

// nextHop returns the first node on the shortest path from local to dest.
func (cg *contactGraph) nextHop(local, dest uint64) (hop uint64, ok bool, err error) {
	dst, known := cg.vertices[dest]
	if !known {
		return
	}

	path, pathErr := cg.graph.Shortest(cg.vertices[local], dst)
	switch {
	case errors.Is(pathErr, dijkstra.ErrNoPath):
		return
	case pathErr != nil:
		err = pathErr
		return
	case len(path.Path) < 2:
		return
	}

	hop, ok = cg.nodes[path.Path[1]], true
	return
}
