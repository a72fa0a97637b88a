package spack

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/pkg/errors"
)

// DeviceMetrics toggles the four device-level probes a task may request.
type DeviceMetrics struct {
	CPU            bool
	RAM            bool
	InterfaceStats bool
	Volume         bool
}

func (d DeviceMetrics) bitfield() uint8 {
	var b uint8
	if d.CPU {
		b |= 1 << 0
	}
	if d.RAM {
		b |= 1 << 1
	}
	if d.InterfaceStats {
		b |= 1 << 2
	}
	if d.Volume {
		b |= 1 << 3
	}
	return b
}

func deviceMetricsFromBitfield(b uint8) DeviceMetrics {
	return DeviceMetrics{
		CPU:            b&(1<<0) != 0,
		RAM:            b&(1<<1) != 0,
		InterfaceStats: b&(1<<2) != 0,
		Volume:         b&(1<<3) != 0,
	}
}

// Mode is the global-options run mode.
type Mode uint8

const (
	ModeNone Mode = iota
	ModeClient
	ModeServer
)

func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	default:
		return ""
	}
}

// Transport is the global-options wire transport for link probes.
type Transport uint8

const (
	TransportNone Transport = iota
	TransportUDP
	TransportTCP
)

func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportTCP:
		return "tcp"
	default:
		return ""
	}
}

// modeBits/transportBits follow the packing convention: bits 0-1 mode
// (00 none, 10 client, 11 server), bits 2-3 transport (00 none, 10 udp,
// 11 tcp).
func modeBits(m Mode) uint8 {
	switch m {
	case ModeClient:
		return 0b10
	case ModeServer:
		return 0b11
	default:
		return 0b00
	}
}

func modeFromBits(b uint8) Mode {
	switch b & 0b11 {
	case 0b10:
		return ModeClient
	case 0b11:
		return ModeServer
	default:
		return ModeNone
	}
}

func transportBits(t Transport) uint8 {
	switch t {
	case TransportUDP:
		return 0b10
	case TransportTCP:
		return 0b11
	default:
		return 0b00
	}
}

func transportFromBits(b uint8) Transport {
	switch (b >> 2) & 0b11 {
	case 0b10:
		return TransportUDP
	case 0b11:
		return TransportTCP
	default:
		return TransportNone
	}
}

// GlobalOptions is the task's default run configuration, inherited by any
// link-metric spec that does not override it.
type GlobalOptions struct {
	Mode      Mode
	Target    string // dotted IPv4, or a symbolic device reference
	Duration  time.Duration
	Transport Transport
	Interval  time.Duration
	Counter   int64
}

// DeviceResolver resolves a symbolic device reference (anything that is not
// a literal dotted IPv4 address) against the configured device table. It is
// an external collaborator, the persistent device store is out of scope
// here; packers/unpackers take it as an explicit argument rather than
// reaching for global state.
type DeviceResolver interface {
	ResolveDeviceAddress(ref string) (net.IP, bool)
	DeviceReferenceFor(ip net.IP) (string, bool)
}

func packTarget(target string, resolver DeviceResolver) (interface{}, error) {
	if ip := net.ParseIP(target); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return binary.BigEndian.Uint32(v4), nil
		}
	}
	// target is not a literal address: it is a symbolic device reference,
	// carried as-is and resolved by the caller-supplied DeviceResolver on
	// unpack.
	obj := &Object{}
	obj.SetNamed(target, uint8(0))
	return obj, nil
}

func unpackTarget(v interface{}, resolver DeviceResolver) (string, error) {
	switch x := v.(type) {
	case uint32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], x)
		return net.IP(b[:]).String(), nil
	case *Object:
		if len(x.Fields) != 1 || x.Fields[0].Key != NamedKey {
			return "", errors.Wrap(ErrBadValueForKey, "target object must carry exactly one dynamic field")
		}
		ref := x.Fields[0].Name
		if resolver != nil {
			if ip, ok := resolver.ResolveDeviceAddress(ref); ok {
				return ip.String(), nil
			}
		}
		return ref, nil
	default:
		return "", errors.Wrapf(ErrBadValueForKey, "target: unsupported encoding %T", v)
	}
}

// PackGlobalOptions serialises g into an Object.
func PackGlobalOptions(g GlobalOptions, resolver DeviceResolver) (*Object, error) {
	obj := &Object{}
	// combined byte: mode bits 0-1, transport bits 2-3
	combined := modeBits(g.Mode) | (transportBits(g.Transport) << 2)
	obj.Set(KeyMode, combined)
	tval, err := packTarget(g.Target, resolver)
	if err != nil {
		return nil, err
	}
	obj.Set(KeyTarget, tval)
	obj.Set(KeyDuration, uint32(g.Duration.Milliseconds()))
	obj.Set(KeyInterval, uint32(g.Interval.Milliseconds()))
	obj.Set(KeyCounter, uint32(g.Counter))
	return obj, nil
}

// UnpackGlobalOptions is the inverse of PackGlobalOptions. Missing fields
// materialise as the type's zero value: absent defaults are
// materialised on read.
func UnpackGlobalOptions(obj *Object, resolver DeviceResolver) (GlobalOptions, error) {
	var g GlobalOptions
	if v, ok := obj.Get(KeyMode); ok {
		b, ok := asInt(v)
		if !ok {
			return g, errors.Wrap(ErrBadValueForKey, "mode/transport byte")
		}
		g.Mode = modeFromBits(uint8(b))
		g.Transport = transportFromBits(uint8(b))
	}
	if v, ok := obj.Get(KeyTarget); ok {
		target, err := unpackTarget(v, resolver)
		if err != nil {
			return g, err
		}
		g.Target = target
	}
	if v, ok := obj.Get(KeyDuration); ok {
		n, _ := asInt(v)
		g.Duration = time.Duration(n) * time.Millisecond
	}
	if v, ok := obj.Get(KeyInterval); ok {
		n, _ := asInt(v)
		g.Interval = time.Duration(n) * time.Millisecond
	}
	if v, ok := obj.Get(KeyCounter); ok {
		n, _ := asInt(v)
		g.Counter = n
	}
	return g, nil
}

// LinkMetricMode distinguishes the three states a link-metric spec can be
// in.
type LinkMetricMode int

const (
	LinkAbsent LinkMetricMode = iota
	LinkInheritGlobal
	LinkOverride
)

// LinkMetricSpec is one of {absent, inherit-all-global-options,
// object-with-local-overrides}. Overrides carries only the fields the
// caller actually wants to override; zero-valued fields inherit from
// GlobalOptions at merge time (LinkMetricSpec.Merged).
type LinkMetricSpec struct {
	Mode      LinkMetricMode
	Overrides GlobalOptions
}

func packLinkMetricSpec(spec LinkMetricSpec, resolver DeviceResolver) (interface{}, error) {
	switch spec.Mode {
	case LinkAbsent:
		return nil, nil
	case LinkInheritGlobal:
		return uint8(1), nil
	case LinkOverride:
		return PackGlobalOptions(spec.Overrides, resolver)
	default:
		return nil, errors.Wrap(ErrBadValueForKey, "unknown link metric mode")
	}
}

func unpackLinkMetricSpec(v interface{}, present bool, resolver DeviceResolver) (LinkMetricSpec, error) {
	if !present {
		return LinkMetricSpec{Mode: LinkAbsent}, nil
	}
	if n, ok := asInt(v); ok && n == 1 {
		return LinkMetricSpec{Mode: LinkInheritGlobal}, nil
	}
	if obj, ok := v.(*Object); ok {
		overrides, err := UnpackGlobalOptions(obj, resolver)
		if err != nil {
			return LinkMetricSpec{}, err
		}
		return LinkMetricSpec{Mode: LinkOverride, Overrides: overrides}, nil
	}
	return LinkMetricSpec{}, errors.Wrap(ErrBadValueForKey, "link metric spec")
}

// Merged resolves a link-metric spec against the task's global options,
// producing the effective options that probe would run with. The merge is
// transparent: observable regardless of implementation strategy.
func (spec LinkMetricSpec) Merged(global GlobalOptions) (GlobalOptions, bool) {
	switch spec.Mode {
	case LinkAbsent:
		return GlobalOptions{}, false
	case LinkInheritGlobal:
		return global, true
	case LinkOverride:
		merged := global
		if spec.Overrides.Mode != ModeNone {
			merged.Mode = spec.Overrides.Mode
		}
		if spec.Overrides.Target != "" {
			merged.Target = spec.Overrides.Target
		}
		if spec.Overrides.Duration != 0 {
			merged.Duration = spec.Overrides.Duration
		}
		if spec.Overrides.Transport != TransportNone {
			merged.Transport = spec.Overrides.Transport
		}
		if spec.Overrides.Interval != 0 {
			merged.Interval = spec.Overrides.Interval
		}
		if spec.Overrides.Counter != 0 {
			merged.Counter = spec.Overrides.Counter
		}
		return merged, true
	default:
		return GlobalOptions{}, false
	}
}

// LinkMetrics holds the four link-level probe specs.
type LinkMetrics struct {
	Bandwidth  LinkMetricSpec
	Jitter     LinkMetricSpec
	PacketLoss LinkMetricSpec
	Latency    LinkMetricSpec
}

// AlertConditions holds the per-metric alert thresholds. A nil pointer
// means "no threshold configured" for that metric.
type AlertConditions struct {
	CPUUsage   *int8
	RAMUsage   *int8
	Bandwidth  *int16
	Jitter     *int16
	PacketLoss *int16
	Latency    *int16
}

func packAlertConditions(a AlertConditions) *Object {
	obj := &Object{}
	if a.CPUUsage != nil || a.RAMUsage != nil {
		var lo, hi uint8
		if a.CPUUsage != nil {
			lo = uint8(*a.CPUUsage)
		}
		if a.RAMUsage != nil {
			hi = uint8(*a.RAMUsage)
		}
		obj.Set(KeyCPUUsage, uint16(lo)|(uint16(hi)<<8))
	}
	setOptInt16 := func(key int, v *int16) {
		if v != nil {
			obj.Set(key, *v)
		}
	}
	setOptInt16(KeyBandwidth, a.Bandwidth)
	setOptInt16(KeyJitter, a.Jitter)
	setOptInt16(KeyPacketLoss, a.PacketLoss)
	setOptInt16(KeyLatency, a.Latency)
	return obj
}

func unpackAlertConditions(obj *Object) (AlertConditions, error) {
	var a AlertConditions
	if v, ok := obj.Get(KeyCPUUsage); ok {
		n, ok := asInt(v)
		if !ok {
			return a, errors.Wrap(ErrBadValueForKey, "alert-conditions cpu/ram")
		}
		// packAlertConditions writes 0 for an unset threshold, so a 0 byte
		// unpacks as unset.
		lo := int8(uint8(n & 0xFF))
		hi := int8(uint8((n >> 8) & 0xFF))
		if lo != 0 {
			a.CPUUsage = &lo
		}
		if hi != 0 {
			a.RAMUsage = &hi
		}
	}
	getOptInt16 := func(key int) *int16 {
		if v, ok := obj.Get(key); ok {
			if n, ok := asInt(v); ok {
				val := int16(n)
				return &val
			}
		}
		return nil
	}
	a.Bandwidth = getOptInt16(KeyBandwidth)
	a.Jitter = getOptInt16(KeyJitter)
	a.PacketLoss = getOptInt16(KeyPacketLoss)
	a.Latency = getOptInt16(KeyLatency)
	return a, nil
}

// Task is one entry of the task catalogue.
type Task struct {
	Frequency time.Duration
	Device    DeviceMetrics
	Link      LinkMetrics
	Global    GlobalOptions
	Alerts    AlertConditions
}

// TaskCollection is a read-only mapping from task id to Task, exactly the
// shape PUSH_SCHEMAS carries. It avoids a global process-wide task
// catalogue: it is a value, owned by
// whichever endpoint loaded it, threaded through handlers explicitly.
type TaskCollection map[string]*Task

// PackTask serialises t into a dictionary-keyed Object.
func PackTask(t *Task, resolver DeviceResolver) (*Object, error) {
	obj := &Object{}
	obj.Set(KeyFrequency, uint32(t.Frequency.Milliseconds()))
	if bf := t.Device.bitfield(); bf != 0 {
		obj.Set(KeyDeviceMetrics, bf)
	}
	global, err := PackGlobalOptions(t.Global, resolver)
	if err != nil {
		return nil, err
	}
	obj.Set(KeyGlobalOptions, global)

	link := &Object{}
	packLM := func(key int, spec LinkMetricSpec) error {
		v, err := packLinkMetricSpec(spec, resolver)
		if err != nil {
			return err
		}
		if v != nil {
			link.Set(key, v)
		}
		return nil
	}
	if err := packLM(KeyBandwidth, t.Link.Bandwidth); err != nil {
		return nil, err
	}
	if err := packLM(KeyJitter, t.Link.Jitter); err != nil {
		return nil, err
	}
	if err := packLM(KeyPacketLoss, t.Link.PacketLoss); err != nil {
		return nil, err
	}
	if err := packLM(KeyLatency, t.Link.Latency); err != nil {
		return nil, err
	}
	if len(link.Fields) > 0 {
		obj.Set(KeyLinkMetrics, link)
	}

	obj.Set(KeyAlertConditions, packAlertConditions(t.Alerts))
	return obj, nil
}

// UnpackTask is the inverse of PackTask. Absent sub-fields materialise to
// their zero value / LinkAbsent, per the proxy-normalisation rule.
func UnpackTask(obj *Object, resolver DeviceResolver) (*Task, error) {
	t := &Task{}
	if v, ok := obj.Get(KeyFrequency); ok {
		n, _ := asInt(v)
		t.Frequency = time.Duration(n) * time.Millisecond
	}
	if v, ok := obj.Get(KeyDeviceMetrics); ok {
		n, ok := asInt(v)
		if !ok {
			return nil, errors.Wrap(ErrBadValueForKey, "device-metrics")
		}
		t.Device = deviceMetricsFromBitfield(uint8(n))
	}
	if v, ok := obj.Get(KeyGlobalOptions); ok {
		gobj, ok := v.(*Object)
		if !ok {
			return nil, errors.Wrap(ErrBadValueForKey, "global-options")
		}
		g, err := UnpackGlobalOptions(gobj, resolver)
		if err != nil {
			return nil, err
		}
		t.Global = g
	}
	if v, ok := obj.Get(KeyLinkMetrics); ok {
		lobj, ok := v.(*Object)
		if !ok {
			return nil, errors.Wrap(ErrBadValueForKey, "link-metrics")
		}
		unpackLM := func(key int) (LinkMetricSpec, error) {
			v, present := lobj.Get(key)
			return unpackLinkMetricSpec(v, present, resolver)
		}
		var err error
		if t.Link.Bandwidth, err = unpackLM(KeyBandwidth); err != nil {
			return nil, err
		}
		if t.Link.Jitter, err = unpackLM(KeyJitter); err != nil {
			return nil, err
		}
		if t.Link.PacketLoss, err = unpackLM(KeyPacketLoss); err != nil {
			return nil, err
		}
		if t.Link.Latency, err = unpackLM(KeyLatency); err != nil {
			return nil, err
		}
	}
	if v, ok := obj.Get(KeyAlertConditions); ok {
		aobj, ok := v.(*Object)
		if !ok {
			return nil, errors.Wrap(ErrBadValueForKey, "alert-conditions")
		}
		a, err := unpackAlertConditions(aobj)
		if err != nil {
			return nil, err
		}
		t.Alerts = a
	}
	return t, nil
}

// PackTaskCollection serialises tc into an Object whose dynamic keys are
// task ids.
func PackTaskCollection(tc TaskCollection, resolver DeviceResolver) (*Object, error) {
	obj := &Object{}
	for id, t := range tc {
		packed, err := PackTask(t, resolver)
		if err != nil {
			return nil, errors.Wrapf(err, "spack: pack task %q", id)
		}
		obj.SetNamed(id, packed)
	}
	return obj, nil
}

// UnpackTaskCollection is the inverse of PackTaskCollection.
func UnpackTaskCollection(obj *Object, resolver DeviceResolver) (TaskCollection, error) {
	tc := make(TaskCollection, len(obj.Fields))
	for _, f := range obj.Fields {
		if f.Key != NamedKey {
			return nil, errors.Wrapf(ErrMissingKeymap, "task collection entry keyed %d", f.Key)
		}
		tobj, ok := f.Value.(*Object)
		if !ok {
			return nil, errors.Wrapf(ErrBadValueForKey, "task %q is not an object", f.Name)
		}
		t, err := UnpackTask(tobj, resolver)
		if err != nil {
			return nil, errors.Wrapf(err, "spack: unpack task %q", f.Name)
		}
		tc[f.Name] = t
	}
	return tc, nil
}

