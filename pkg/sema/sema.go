// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package sema provides counting semaphores which can be ended, and a table
// of named semaphores used to signal between a node's tasks.
package sema

import (
	"context"
	"errors"
	"sync"
)

// ErrEnded is returned by Take after the Semaphore was ended.
var ErrEnded = errors.New("semaphore ended")

// Semaphore is a counting semaphore. Ending a Semaphore releases all waiting
// and future Takes with ErrEnded; it is the stop signal of the task using it.
type Semaphore struct {
	mutex sync.Mutex
	count int

	notify  chan struct{}
	ended   chan struct{}
	endOnce sync.Once
}

// New creates a Semaphore with a count of zero.
func New() *Semaphore {
	return &Semaphore{
		notify: make(chan struct{}, 1),
		ended:  make(chan struct{}),
	}
}

// Give increments the Semaphore, possibly waking up a waiting Take.
func (s *Semaphore) Give() {
	s.mutex.Lock()
	s.count++
	s.mutex.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Take waits until the Semaphore's count is positive and decrements it. An
// error is returned if the Semaphore was ended or the context is done.
func (s *Semaphore) Take(ctx context.Context) error {
	for {
		if s.Ended() {
			return ErrEnded
		}

		if s.TryTake() {
			return nil
		}

		select {
		case <-s.ended:
			return ErrEnded
		case <-ctx.Done():
			return ctx.Err()
		case <-s.notify:
		}
	}
}

// TryTake decrements a positive count without waiting.
func (s *Semaphore) TryTake() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.count > 0 {
		s.count--
		return true
	}
	return false
}

// End this Semaphore. This method may be called multiple times.
func (s *Semaphore) End() {
	s.endOnce.Do(func() { close(s.ended) })
}

// Ended checks if End was called.
func (s *Semaphore) Ended() bool {
	select {
	case <-s.ended:
		return true
	default:
		return false
	}
}

// Done is closed when the Semaphore is ended.
func (s *Semaphore) Done() <-chan struct{} {
	return s.ended
}
