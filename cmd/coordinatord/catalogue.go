// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/xtaci/netmontun/coordinator"
	"github.com/xtaci/netmontun/spack"
)

// acceptAllAuthorizer authorizes every REGISTER attempt, minting a fresh
// random device-id with xid (the offered public key is not used) rather than consulting a
// persistent device catalogue; that catalogue is an external collaborator
// this program does not implement.
type acceptAllAuthorizer struct{}

func (acceptAllAuthorizer) Authorize(remoteAddr net.Addr, publicKey []byte) (string, bool) {
	return xid.New().String(), true
}

// resolveFrequency turns the CLI/config frequency selection into a
// time.Duration: cfg.Duration, when set, is parsed with the catalogue's
// compact notation and takes precedence over the coarser cfg.Frequency
// seconds count.
func resolveFrequency(cfg *Config) (time.Duration, error) {
	if cfg.Duration != "" {
		freq, err := spack.ParseDuration(cfg.Duration)
		if err != nil {
			return 0, err
		}
		if freq <= 0 {
			return 10 * time.Second, nil
		}
		return freq, nil
	}
	freq := time.Duration(cfg.Frequency) * time.Second
	if freq <= 0 {
		freq = 10 * time.Second
	}
	return freq, nil
}

// defaultTask builds the single task this program pushes to every newly
// registered device, from the CLI-supplied device-metric selection and
// alert thresholds. A real deployment would resolve this per device from
// an operator-managed task catalogue; that catalogue is out of scope here,
// so one flag-driven task stands in for it.
func defaultTask(cfg *Config, freq time.Duration) *spack.Task {
	task := &spack.Task{
		Frequency: freq,
		Device: spack.DeviceMetrics{
			CPU:            cfg.CPU,
			RAM:            cfg.RAM,
			InterfaceStats: cfg.InterfaceStats,
		},
	}
	if cfg.CPUAlert >= 0 {
		v := int8(cfg.CPUAlert)
		task.Alerts.CPUUsage = &v
	}
	if cfg.RAMAlert >= 0 {
		v := int8(cfg.RAMAlert)
		task.Alerts.RAMUsage = &v
	}
	return task
}

// sessionTaskIndex tracks which task collection each live session was last
// pushed, so TaskLookup (SEND_METRICS dispatch) and ResolveTask (AlertFlow
// dispatch) can answer against the same state without a persistent store.
type sessionTaskIndex struct {
	mu    sync.Mutex
	tasks map[[16]byte]spack.TaskCollection
}

func newSessionTaskIndex() *sessionTaskIndex {
	return &sessionTaskIndex{tasks: make(map[[16]byte]spack.TaskCollection)}
}

func (idx *sessionTaskIndex) set(sessionID [16]byte, tc spack.TaskCollection) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.tasks[sessionID] = tc
}

func (idx *sessionTaskIndex) forget(sessionID [16]byte) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.tasks, sessionID)
}

// TaskLookup satisfies transport.CoordinatorEndpoint.TaskLookup.
func (idx *sessionTaskIndex) TaskLookup(sess *coordinator.Session, taskID string) (*spack.Task, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	tc, ok := idx.tasks[sess.SessionID]
	if !ok {
		return nil, false
	}
	task, ok := tc[taskID]
	return task, ok
}

// ResolveTask satisfies alert.TaskResolver.
func (idx *sessionTaskIndex) ResolveTask(sessionID [16]byte, taskID string) (*spack.Task, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	tc, ok := idx.tasks[sessionID]
	if !ok {
		return nil, false
	}
	task, ok := tc[taskID]
	return task, ok
}
