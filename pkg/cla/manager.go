// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2020 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Manager supervises ConvergenceReceivers, retries starting them if
// necessary, and forwards their ReceiverStatus messages to one channel.
type Manager struct {
	// retryTime is the duration between two activation attempts.
	retryTime time.Duration

	// receivers maps each receiver's address to a *receiverElem.
	receivers sync.Map

	// outChnl passes on the receivers' ReceiverStatus. It is not buffered
	// and must always be read, otherwise the receivers will block.
	outChnl chan ReceiverStatus
	wg      sync.WaitGroup

	// stop{Syn,Ack} are used to supervise closing this Manager, see Close()
	stopSyn chan struct{}
	stopAck chan struct{}

	// stopFlag and its mutex protect the Manager against acting on new CLAs
	// after the Close method was called once.
	stopFlag      bool
	stopFlagMutex sync.Mutex
}

type receiverElem struct {
	sync.Mutex

	conv   ConvergenceReceiver
	active bool
}

// NewManager creates a new Manager to supervise ConvergenceReceivers.
func NewManager(retryTime time.Duration) *Manager {
	manager := &Manager{
		retryTime: retryTime,

		outChnl: make(chan ReceiverStatus),

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	go manager.handler()

	return manager
}

// handler is the internal goroutine for management.
func (manager *Manager) handler() {
	activateTicker := time.NewTicker(manager.retryTime)
	defer activateTicker.Stop()

	for {
		select {
		case <-manager.stopSyn:
			log.Debug("CLA Manager received closing signal")

			manager.receivers.Range(func(_, elem interface{}) bool {
				re := elem.(*receiverElem)

				re.Lock()
				if re.active {
					if err := re.conv.Close(); err != nil {
						log.WithError(err).WithField("cla", re.conv.Address()).Warn("Closing CLA errored")
					}
					re.active = false
				}
				re.Unlock()
				return true
			})

			manager.wg.Wait()
			close(manager.outChnl)

			close(manager.stopAck)
			return

		case <-activateTicker.C:
			manager.receivers.Range(func(_, elem interface{}) bool {
				manager.activate(elem.(*receiverElem))
				return true
			})
		}
	}
}

// Channel references the outgoing channel for ReceiverStatus messages.
func (manager *Manager) Channel() chan ReceiverStatus {
	return manager.outChnl
}

// isStopped signals if the Manager should be stopped.
func (manager *Manager) isStopped() bool {
	manager.stopFlagMutex.Lock()
	defer manager.stopFlagMutex.Unlock()

	return manager.stopFlag
}

// Close the Manager and all supervised receivers.
func (manager *Manager) Close() error {
	manager.stopFlagMutex.Lock()
	manager.stopFlag = true
	manager.stopFlagMutex.Unlock()

	close(manager.stopSyn)
	<-manager.stopAck

	return nil
}

// Register a ConvergenceReceiver. If it cannot be started right now, but
// should be retried, it will be started later.
func (manager *Manager) Register(conv ConvergenceReceiver) {
	if manager.isStopped() {
		return
	}

	re := &receiverElem{conv: conv}
	if _, exists := manager.receivers.LoadOrStore(conv.Address(), re); exists {
		log.WithField("cla", conv.Address()).Debug("CLA registration failed, because this address does already exists")
		return
	}

	manager.activate(re)
}

func (manager *Manager) activate(re *receiverElem) {
	re.Lock()
	defer re.Unlock()

	if re.active || manager.isStopped() {
		return
	}

	err, retry := re.conv.Start()
	if err != nil {
		logger := log.WithError(err).WithField("cla", re.conv.Address())
		if retry {
			logger.Info("Startup of CLA failed, retrying later")
		} else {
			logger.Warn("Startup of CLA failed, a retry should not be made")
			manager.receivers.Delete(re.conv.Address())
		}
		return
	}

	log.WithField("cla", re.conv.Address()).Info("Started CLA")
	re.active = true

	manager.wg.Add(1)
	go manager.forward(re)
}

// forward a receiver's ReceiverStatus until its channel is closed.
func (manager *Manager) forward(re *receiverElem) {
	defer manager.wg.Done()

	for rs := range re.conv.Channel() {
		if rs.Kind == ReceiverFailed {
			log.WithFields(log.Fields{
				"cla":   rs.Receiver,
				"error": rs.Err,
			}).Info("CLA Manager received a receiver failure")
		}

		select {
		case manager.outChnl <- rs:
		case <-manager.stopSyn:
		}
	}
}

// Receivers returns the addresses of all active ConvergenceReceivers.
func (manager *Manager) Receivers() (addrs []string) {
	manager.receivers.Range(func(addr, elem interface{}) bool {
		re := elem.(*receiverElem)

		re.Lock()
		if re.active {
			addrs = append(addrs, addr.(string))
		}
		re.Unlock()
		return true
	})
	return
}
