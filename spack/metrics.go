package spack

import "github.com/pkg/errors"

// DeviceMetricValues carries one sample of the device-level metrics a task
// selected. A nil pointer means the underlying task did not select that
// metric at all (distinct from the sentinel, which means "selected but
// intentionally not reported this tick").
type DeviceMetricValues struct {
	CPU            *int8
	RAM            *int8
	InterfaceStats map[string]int8 // packets-per-second per interface name
	Volume         *int8
}

// LinkMetricValues carries one sample of the link-level metrics a task
// selected.
type LinkMetricValues struct {
	Bandwidth  *int16
	Jitter     *int16
	PacketLoss *int16
	Latency    *int16
}

// MetricReport is one agent-to-server measurement batch.
type MetricReport struct {
	TaskID string
	Device *DeviceMetricValues
	Link   *LinkMetricValues
}

// PackMetricReport serialises r's values against task's device/link
// selections: only the fields the task actually selected are written,
// matching the shape the receiver will expect when it unpacks against the
// same task. names, if non-nil, is the caller's reusable interface-name
// table; interface-stats keys always travel on the wire as a literal
// (255, len, name) pair regardless, but interning them here keeps the
// caller's table describing the same interface set across a session's
// successive reports.
func PackMetricReport(r *MetricReport, task *Task, names *NameTable) (*Object, error) {
	obj := &Object{}

	if task.Device.CPU || task.Device.RAM || task.Device.InterfaceStats || task.Device.Volume {
		dev := &Object{}
		if task.Device.CPU {
			dev.Set(KeyCPUUsage, optS8(r.Device, func(v *DeviceMetricValues) *int8 { return v.CPU }))
		}
		if task.Device.RAM {
			dev.Set(KeyRAMUsage, optS8(r.Device, func(v *DeviceMetricValues) *int8 { return v.RAM }))
		}
		if task.Device.InterfaceStats {
			ifaces := &Object{}
			if r.Device != nil {
				for name, v := range r.Device.InterfaceStats {
					if names != nil {
						names.Intern(name)
					}
					ifaces.SetNamed(name, v)
				}
			}
			dev.Set(KeyInterfaceStats, ifaces)
		}
		if task.Device.Volume {
			dev.Set(KeyVolume, optS8(r.Device, func(v *DeviceMetricValues) *int8 { return v.Volume }))
		}
		obj.Set(KeyDeviceMetrics, dev)
	}

	hasLink := task.Link.Bandwidth.Mode != LinkAbsent || task.Link.Jitter.Mode != LinkAbsent ||
		task.Link.PacketLoss.Mode != LinkAbsent || task.Link.Latency.Mode != LinkAbsent
	if hasLink {
		link := &Object{}
		if task.Link.Bandwidth.Mode != LinkAbsent {
			link.Set(KeyBandwidth, optS16(r.Link, func(v *LinkMetricValues) *int16 { return v.Bandwidth }))
		}
		if task.Link.Jitter.Mode != LinkAbsent {
			link.Set(KeyJitter, optS16(r.Link, func(v *LinkMetricValues) *int16 { return v.Jitter }))
		}
		if task.Link.PacketLoss.Mode != LinkAbsent {
			link.Set(KeyPacketLoss, optS16(r.Link, func(v *LinkMetricValues) *int16 { return v.PacketLoss }))
		}
		if task.Link.Latency.Mode != LinkAbsent {
			link.Set(KeyLatency, optS16(r.Link, func(v *LinkMetricValues) *int16 { return v.Latency }))
		}
		obj.Set(KeyLinkMetrics, link)
	}
	return obj, nil
}

func optS8(v *DeviceMetricValues, get func(*DeviceMetricValues) *int8) int8 {
	if v == nil {
		return SentinelS8Ignore
	}
	if p := get(v); p != nil {
		return *p
	}
	return SentinelS8Ignore
}

func optS16(v *LinkMetricValues, get func(*LinkMetricValues) *int16) int16 {
	if v == nil {
		return SentinelS16Ignore
	}
	if p := get(v); p != nil {
		return *p
	}
	return SentinelS16Ignore
}

// UnpackMetricReport is the inverse of PackMetricReport. task is not
// consulted: fields are read as they appear in obj, with no check against
// the task's selected metrics.
// names, if non-nil, is the caller's reusable interface-name table; every
// interface-stats name this unpack observes is interned into it, the same
// as the packer does on the other side.
func UnpackMetricReport(taskID string, obj *Object, task *Task, names *NameTable) (*MetricReport, error) {
	r := &MetricReport{TaskID: taskID}

	if v, ok := obj.Get(KeyDeviceMetrics); ok {
		devObj, ok := v.(*Object)
		if !ok {
			return nil, errors.Wrap(ErrBadValueForKey, "device-metrics in metric report must be an object")
		}
		dev := &DeviceMetricValues{}
		if v, ok := devObj.Get(KeyCPUUsage); ok {
			n, _ := asInt(v)
			x := int8(n)
			dev.CPU = &x
		}
		if v, ok := devObj.Get(KeyRAMUsage); ok {
			n, _ := asInt(v)
			x := int8(n)
			dev.RAM = &x
		}
		if v, ok := devObj.Get(KeyInterfaceStats); ok {
			ifObj, ok := v.(*Object)
			if !ok {
				return nil, errors.Wrap(ErrBadValueForKey, "interface-stats must be an object")
			}
			dev.InterfaceStats = make(map[string]int8, len(ifObj.Fields))
			for _, f := range ifObj.Fields {
				if f.Key != NamedKey {
					return nil, errors.Wrap(ErrMissingKeymap, "interface-stats entry without a dynamic name")
				}
				if names != nil {
					names.Intern(f.Name)
				}
				n, _ := asInt(f.Value)
				dev.InterfaceStats[f.Name] = int8(n)
			}
		}
		if v, ok := devObj.Get(KeyVolume); ok {
			n, _ := asInt(v)
			x := int8(n)
			dev.Volume = &x
		}
		r.Device = dev
	}

	if v, ok := obj.Get(KeyLinkMetrics); ok {
		linkObj, ok := v.(*Object)
		if !ok {
			return nil, errors.Wrap(ErrBadValueForKey, "link-metrics in metric report must be an object")
		}
		link := &LinkMetricValues{}
		getS16 := func(key int) *int16 {
			if v, ok := linkObj.Get(key); ok {
				n, _ := asInt(v)
				x := int16(n)
				return &x
			}
			return nil
		}
		link.Bandwidth = getS16(KeyBandwidth)
		link.Jitter = getS16(KeyJitter)
		link.PacketLoss = getS16(KeyPacketLoss)
		link.Latency = getS16(KeyLatency)
		r.Link = link
	}
	return r, nil
}
