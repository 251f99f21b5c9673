// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package egress

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dtn7/dtn7-clm/pkg/storage"
)

var (
	// ErrPlanUnknown is returned when attaching to a plan which does not exist.
	ErrPlanUnknown = errors.New("egress plan is unknown")

	// ErrAlreadyRunning is returned when a plan's dispatcher is already running.
	ErrAlreadyRunning = errors.New("egress plan's dispatcher is already running")
)

// attached lists the plans whose dispatchers run within this process.
var attached = struct {
	sync.Mutex
	plans map[string]bool
}{plans: make(map[string]bool)}

// processAlive checks if a process with the given pid exists.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Attach registers this process as the plan's only dispatcher by recording
// its pid. A pid recorded by a process which is gone is replaced.
func Attach(store *storage.Store, plan string) error {
	attached.Lock()
	defer attached.Unlock()

	if attached.plans[plan] {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, plan)
	}

	pid := os.Getpid()
	err := store.Update(func(tx *storage.Txn) error {
		pr, err := tx.Plan(plan)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrPlanUnknown, plan)
		} else if err != nil {
			return err
		}

		if pr.Pid != 0 && pr.Pid != pid && processAlive(pr.Pid) {
			return fmt.Errorf("%w: %s by pid %d", ErrAlreadyRunning, plan, pr.Pid)
		}

		pr.Pid = pid
		return tx.PutPlan(pr)
	})
	if err != nil {
		return err
	}

	attached.plans[plan] = true
	return nil
}

// Detach removes this process as the plan's dispatcher.
func Detach(store *storage.Store, plan string) error {
	attached.Lock()
	defer attached.Unlock()

	delete(attached.plans, plan)

	return store.Update(func(tx *storage.Txn) error {
		pr, err := tx.Plan(plan)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}

		if pr.Pid != os.Getpid() {
			return nil
		}

		pr.Pid = 0
		return tx.PutPlan(pr)
	})
}
