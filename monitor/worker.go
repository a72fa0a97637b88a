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

// Package monitor drives the per-task tick loop that sits on top of the
// core protocol: collect the selected device/link metrics, compare each
// against its alert threshold, emit an AlertFlow record for every crossed
// one, and send the batch SEND_METRICS report with sentinels standing in
// for any value an alert already carried. The probe executors and
// system-metric readers themselves stay out of scope, as collaborator
// interfaces this package consumes rather than implements.
package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/netmontun/alert"
	"github.com/xtaci/netmontun/spack"
)

// DeviceMetricReader samples the local device's instantaneous metrics:
// CPU/RAM as a percentage, and per-interface packets-per-second computed as
// rx_packets(t) − rx_packets(t−1s).
type DeviceMetricReader interface {
	CPUPercent() (int8, error)
	RAMPercent() (int8, error)
	InterfacePPS() (map[string]int8, error)
}

// LinkProbeResult carries whichever link metrics the task selected. A nil
// field means that metric was not probed; a non-nil field may itself carry
// one of spack's unreachable/full-loss sentinels when the probe could not
// reach its target.
type LinkProbeResult struct {
	Bandwidth  *int16
	Jitter     *int16
	PacketLoss *int16
	Latency    *int16
}

// LinkProbeRunner drives the throughput probe (bandwidth/jitter/packet-loss)
// and the ICMP echo probe (latency) against task's merged global options,
// blocking until every probe the task selected has reported or ctx expires.
type LinkProbeRunner interface {
	Run(ctx context.Context, task *spack.Task) (LinkProbeResult, error)
}

// AlertSink delivers one AlertFlow record over the side channel, typically
// an *alert.Client dialled to the coordinator's reliable-stream listener.
type AlertSink interface {
	Send(f *alert.Flow, task *spack.Task) error
}

// MetricSender transmits one completed batch report over the UDP endpoint;
// *transport.AgentEndpoint satisfies it.
type MetricSender interface {
	SendMetrics(report *spack.MetricReport, task *spack.Task) error
}

// Worker runs one ticking loop per active task for a single session.
type Worker struct {
	SessionID [16]byte
	Device    DeviceMetricReader
	LinkProbe LinkProbeRunner
	Alerts    AlertSink
	Metrics   MetricSender

	mu    sync.Mutex
	tasks map[string]*spack.Task
	stop  map[string]chan struct{}
}

// New returns a Worker with no tasks running; call SetTasks once a
// PUSH_SCHEMAS (or its 0-RTT revival equivalent) delivers a task
// collection.
func New(sessionID [16]byte, device DeviceMetricReader, linkProbe LinkProbeRunner, alerts AlertSink, metrics MetricSender) *Worker {
	return &Worker{
		SessionID: sessionID,
		Device:    device,
		LinkProbe: linkProbe,
		Alerts:    alerts,
		Metrics:   metrics,
		tasks:     make(map[string]*spack.Task),
		stop:      make(map[string]chan struct{}),
	}
}

// SetTasks reconciles the running task loops against tc: tasks no longer
// present stop, new ones start their own tick loop, and tasks present in
// both keep running undisturbed (their next tick picks up the new Task
// value).
func (w *Worker) SetTasks(tc spack.TaskCollection) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, stop := range w.stop {
		if _, ok := tc[id]; !ok {
			close(stop)
			delete(w.stop, id)
			delete(w.tasks, id)
		}
	}
	for id, task := range tc {
		w.tasks[id] = task
		if _, running := w.stop[id]; running {
			continue
		}
		stop := make(chan struct{})
		w.stop[id] = stop
		go w.runTask(id, stop)
	}
}

// Stop halts every running task loop.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, stop := range w.stop {
		close(stop)
		delete(w.stop, id)
		delete(w.tasks, id)
	}
}

func (w *Worker) runTask(id string, stop chan struct{}) {
	w.mu.Lock()
	task := w.tasks[id]
	w.mu.Unlock()
	freq := task.Frequency
	if freq <= 0 {
		freq = time.Second
	}
	ticker := time.NewTicker(freq)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			current, ok := w.tasks[id]
			w.mu.Unlock()
			if !ok {
				return
			}
			if err := w.tick(id, current); err != nil {
				log.Printf("monitor: task %q tick: %v", id, err)
			}
		}
	}
}

func hasLinkMetrics(l spack.LinkMetrics) bool {
	return l.Bandwidth.Mode != spack.LinkAbsent || l.Jitter.Mode != spack.LinkAbsent ||
		l.PacketLoss.Mode != spack.LinkAbsent || l.Latency.Mode != spack.LinkAbsent
}

// tick collects one sample, compares it to its task's alert thresholds,
// and sends the resulting batch report. A threshold is considered crossed
// when the sample is greater than or equal to it.
func (w *Worker) tick(id string, task *spack.Task) error {
	report := &spack.MetricReport{TaskID: id}

	if task.Device.CPU || task.Device.RAM || task.Device.InterfaceStats || task.Device.Volume {
		dev := &spack.DeviceMetricValues{}
		if task.Device.CPU {
			v, err := w.sampleCPU()
			dev.CPU = w.evalS8(id, task, "cpu_usage", v, err == nil, task.Alerts.CPUUsage)
		}
		if task.Device.RAM {
			v, err := w.sampleRAM()
			dev.RAM = w.evalS8(id, task, "ram_usage", v, err == nil, task.Alerts.RAMUsage)
		}
		if task.Device.InterfaceStats && w.Device != nil {
			pps, err := w.Device.InterfacePPS()
			if err != nil {
				log.Printf("monitor: task %q interface stats: %v", id, err)
			} else {
				dev.InterfaceStats = pps
			}
		}
		report.Device = dev
	}

	if hasLinkMetrics(task.Link) {
		report.Link = w.runLinkProbe(id, task)
	}

	if w.Metrics == nil {
		return nil
	}
	return errors.Wrap(w.Metrics.SendMetrics(report, task), "send metrics")
}

func (w *Worker) sampleCPU() (int8, error) {
	if w.Device == nil {
		return 0, errors.New("monitor: no device metric reader configured")
	}
	return w.Device.CPUPercent()
}

func (w *Worker) sampleRAM() (int8, error) {
	if w.Device == nil {
		return 0, errors.New("monitor: no device metric reader configured")
	}
	return w.Device.RAMPercent()
}

func (w *Worker) evalS8(id string, task *spack.Task, field string, v int8, ok bool, threshold *int8) *int8 {
	if !ok {
		ignore := spack.SentinelS8Ignore
		return &ignore
	}
	if threshold != nil && v >= *threshold {
		w.emitDeviceAlert(id, task, field, v)
		ignore := spack.SentinelS8Ignore
		return &ignore
	}
	return &v
}

func (w *Worker) runLinkProbe(id string, task *spack.Task) *spack.LinkMetricValues {
	link := &spack.LinkMetricValues{}
	if w.LinkProbe == nil {
		return link
	}
	timeout := task.Global.Duration
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
	result, err := w.LinkProbe.Run(ctx, task)
	cancel()
	if err != nil {
		log.Printf("monitor: task %q link probe: %v", id, err)
		return link
	}
	link.Bandwidth = w.evalS16(id, task, "bandwidth", result.Bandwidth, task.Alerts.Bandwidth)
	link.Jitter = w.evalS16(id, task, "jitter", result.Jitter, task.Alerts.Jitter)
	link.PacketLoss = w.evalS16(id, task, "packet_loss", result.PacketLoss, task.Alerts.PacketLoss)
	link.Latency = w.evalS16(id, task, "latency", result.Latency, task.Alerts.Latency)
	return link
}

func (w *Worker) evalS16(id string, task *spack.Task, field string, v *int16, threshold *int16) *int16 {
	if v == nil {
		return nil
	}
	if threshold != nil && *v >= *threshold {
		w.emitLinkAlert(id, task, field, *v)
		ignore := spack.SentinelS16Ignore
		return &ignore
	}
	return v
}

func (w *Worker) emitDeviceAlert(id string, task *spack.Task, field string, value int8) {
	if w.Alerts == nil {
		return
	}
	dev := &spack.DeviceMetricValues{}
	v := value
	switch field {
	case "cpu_usage":
		dev.CPU = &v
	case "ram_usage":
		dev.RAM = &v
	}
	f := &alert.Flow{SessionID: w.SessionID, Report: &spack.MetricReport{TaskID: id, Device: dev}}
	if err := w.Alerts.Send(f, task); err != nil {
		log.Printf("monitor: task %q alert %s: %v", id, field, err)
	}
}

func (w *Worker) emitLinkAlert(id string, task *spack.Task, field string, value int16) {
	if w.Alerts == nil {
		return
	}
	link := &spack.LinkMetricValues{}
	v := value
	switch field {
	case "bandwidth":
		link.Bandwidth = &v
	case "jitter":
		link.Jitter = &v
	case "packet_loss":
		link.PacketLoss = &v
	case "latency":
		link.Latency = &v
	}
	f := &alert.Flow{SessionID: w.SessionID, Report: &spack.MetricReport{TaskID: id, Link: link}}
	if err := w.Alerts.Send(f, task); err != nil {
		log.Printf("monitor: task %q alert %s: %v", id, field, err)
	}
}
