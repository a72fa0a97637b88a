package spack

import (
	"testing"
	"time"
)

func TestTaskRoundTrip(t *testing.T) {
	task := &Task{
		Frequency: 5 * time.Second,
		Device:    DeviceMetrics{CPU: true, RAM: true, InterfaceStats: true},
		Global: GlobalOptions{
			Mode:      ModeClient,
			Target:    "10.0.0.5",
			Duration:  30 * time.Second,
			Transport: TransportUDP,
			Interval:  time.Second,
			Counter:   10,
		},
		Link: LinkMetrics{
			Bandwidth: LinkMetricSpec{Mode: LinkInheritGlobal},
			Jitter:    LinkMetricSpec{Mode: LinkAbsent},
			Latency: LinkMetricSpec{Mode: LinkOverride, Overrides: GlobalOptions{
				Target: "10.0.0.9",
			}},
		},
		Alerts: AlertConditions{
			CPUUsage: int8p(80),
		},
	}

	packed, err := PackTask(task, nil)
	if err != nil {
		t.Fatal(err)
	}
	wire, err := Marshal(packed)
	if err != nil {
		t.Fatal(err)
	}
	decodedObj, err := Unmarshal(wire)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnpackTask(decodedObj, nil)
	if err != nil {
		t.Fatal(err)
	}

	if got.Frequency != task.Frequency {
		t.Fatalf("frequency = %v, want %v", got.Frequency, task.Frequency)
	}
	if got.Device != task.Device {
		t.Fatalf("device = %+v, want %+v", got.Device, task.Device)
	}
	if got.Global.Target != task.Global.Target || got.Global.Mode != task.Global.Mode {
		t.Fatalf("global = %+v, want %+v", got.Global, task.Global)
	}
	if got.Link.Bandwidth.Mode != LinkInheritGlobal {
		t.Fatalf("bandwidth mode = %v, want inherit", got.Link.Bandwidth.Mode)
	}
	if got.Link.Jitter.Mode != LinkAbsent {
		t.Fatalf("jitter mode = %v, want absent", got.Link.Jitter.Mode)
	}
	if got.Link.Latency.Mode != LinkOverride || got.Link.Latency.Overrides.Target != "10.0.0.9" {
		t.Fatalf("latency override = %+v", got.Link.Latency)
	}
	if got.Alerts.CPUUsage == nil || *got.Alerts.CPUUsage != 80 {
		t.Fatalf("cpu alert threshold = %v, want 80", got.Alerts.CPUUsage)
	}

	merged, ok := got.Link.Bandwidth.Merged(got.Global)
	if !ok || merged.Target != task.Global.Target {
		t.Fatalf("inherited link-metric merge should equal global options, got %+v", merged)
	}
	mergedLatency, ok := got.Link.Latency.Merged(got.Global)
	if !ok || mergedLatency.Target != "10.0.0.9" || mergedLatency.Mode != task.Global.Mode {
		t.Fatalf("override merge should keep non-overridden fields from global, got %+v", mergedLatency)
	}
}

func TestMetricReportRoundTripAgainstTask(t *testing.T) {
	task := &Task{
		Device: DeviceMetrics{CPU: true, InterfaceStats: true},
		Link:   LinkMetrics{Latency: LinkMetricSpec{Mode: LinkInheritGlobal}},
	}
	cpu := int8(42)
	report := &MetricReport{
		TaskID: "task-1",
		Device: &DeviceMetricValues{
			CPU:            &cpu,
			InterfaceStats: map[string]int8{"eth0": 12, "eth1": -5},
		},
		Link: &LinkMetricValues{Latency: int16p(15)},
	}

	names := NewNameTable()
	packed, err := PackMetricReport(report, task, names)
	if err != nil {
		t.Fatal(err)
	}
	wire, err := Marshal(packed)
	if err != nil {
		t.Fatal(err)
	}
	decodedObj, err := Unmarshal(wire)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnpackMetricReport("task-1", decodedObj, task, names)
	if err != nil {
		t.Fatal(err)
	}
	if got.Device == nil || got.Device.CPU == nil || *got.Device.CPU != 42 {
		t.Fatalf("cpu = %v", got.Device)
	}
	if got.Device.InterfaceStats["eth0"] != 12 || got.Device.InterfaceStats["eth1"] != -5 {
		t.Fatalf("interface stats = %v", got.Device.InterfaceStats)
	}
	if got.Link == nil || got.Link.Latency == nil || *got.Link.Latency != 15 {
		t.Fatalf("latency = %v", got.Link)
	}
	if names.Len() != 2 {
		t.Fatalf("names.Len() = %d, want 2", names.Len())
	}
}

func TestMetricReportSentinelWhenValueOmitted(t *testing.T) {
	task := &Task{Device: DeviceMetrics{CPU: true}}
	report := &MetricReport{TaskID: "t", Device: &DeviceMetricValues{}}

	packed, err := PackMetricReport(report, task, nil)
	if err != nil {
		t.Fatal(err)
	}
	wire, _ := Marshal(packed)
	decodedObj, _ := Unmarshal(wire)
	got, err := UnpackMetricReport("t", decodedObj, task, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Device.CPU == nil || *got.Device.CPU != SentinelS8Ignore {
		t.Fatalf("expected ignore sentinel, got %v", got.Device.CPU)
	}
}

func int8p(v int8) *int8    { return &v }
func int16p(v int16) *int16 { return &v }
