// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sema

import "sync"

const forwarderKey = "forwarder"

// Table holds a node's named Semaphores. Semaphores are created on first use.
type Table struct {
	mutex sync.Mutex
	sems  map[string]*Semaphore
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{sems: make(map[string]*Semaphore)}
}

func (t *Table) get(name string) *Semaphore {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	s, ok := t.sems[name]
	if !ok {
		s = New()
		t.sems[name] = s
	}
	return s
}

// Plan is the "new work" Semaphore of an egress plan's dispatcher.
func (t *Table) Plan(name string) *Semaphore {
	return t.get("plan/" + name)
}

// Outduct is the wake-up Semaphore of an outduct's convergence-layer adapter.
func (t *Table) Outduct(name string) *Semaphore {
	return t.get("outduct/" + name)
}

// Forwarder is the wake-up Semaphore of the forwarder.
func (t *Table) Forwarder() *Semaphore {
	return t.get(forwarderKey)
}

// EndAll ends every Semaphore of this Table, stopping all tasks.
func (t *Table) EndAll() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for _, s := range t.sems {
		s.End()
	}
}
