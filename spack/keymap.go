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

// Package spack implements the schema-aware header-compression codec: a
// dictionary-indexed tag/length/value encoding for task schemas and metric
// reports, sharing a single static key-map of well-known field identifiers.
package spack

// Type codes.
const (
	TypeU8     = 1
	TypeU16    = 2
	TypeU32    = 3
	TypeS8     = 4
	TypeS16    = 5
	TypeS32    = 6
	TypeFloat  = 7
	TypeDouble = 8
	TypeObject = 255
)

// Dictionary identifiers for the well-known field vocabulary.
// NamedKey (255) is reserved and never assigned to a static field; it marks
// a dynamic (string) key instead.
const (
	KeyFrequency = iota
	KeyDeviceMetrics
	KeyGlobalOptions
	KeyMode
	KeyTarget
	KeyDuration
	KeyTransport
	KeyInterval
	KeyCounter
	KeyLinkMetrics
	KeyBandwidth
	KeyJitter
	KeyPacketLoss
	KeyLatency
	KeyAlertConditions
	KeyCPUUsage
	KeyRAMUsage
	KeyInterfaceStats
	KeyVolume

	// NamedKey signals a following (length, UTF-8 name) pair instead of a
	// one-byte dictionary identifier; used for dynamic keys such as
	// interface names.
	NamedKey = 255
)

// keyNames is the reverse mapping used for diagnostics and for building a
// field's name when it must travel with a dynamic key.
var keyNames = map[int]string{
	KeyFrequency:       "frequency",
	KeyDeviceMetrics:   "device-metrics",
	KeyGlobalOptions:   "global-options",
	KeyMode:            "mode",
	KeyTarget:          "target",
	KeyDuration:        "duration",
	KeyTransport:       "transport",
	KeyInterval:        "interval",
	KeyCounter:         "counter",
	KeyLinkMetrics:     "link-metrics",
	KeyBandwidth:       "bandwidth",
	KeyJitter:          "jitter",
	KeyPacketLoss:      "packet-loss",
	KeyLatency:         "latency",
	KeyAlertConditions: "alert-conditions",
	KeyCPUUsage:        "cpu-usage",
	KeyRAMUsage:        "ram-usage",
	KeyInterfaceStats:  "interface-stats",
	KeyVolume:          "volume",
}

// KeyName returns the dictionary name for a static key id, or "" if key is
// out of range (including NamedKey, which carries its name on the wire
// instead).
func KeyName(key int) string {
	return keyNames[key]
}

// Sentinel values for metric reports.
const (
	// SentinelS8Ignore marks an 8-bit device metric as intentionally
	// omitted. The wire byte is 0x80 (128 unsigned); as a signed int8 that
	// bit pattern is -128, which is how Go must spell the constant.
	SentinelS8Ignore int8 = -128
	// SentinelS16Ignore marks a 16-bit link metric as intentionally
	// omitted.
	SentinelS16Ignore int16 = 32767
	// SentinelLatencyUnreachable marks latency as "target unreachable".
	SentinelLatencyUnreachable int16 = 10000
	// SentinelPacketLossTotal marks packet-loss as 100% loss.
	SentinelPacketLossTotal int16 = 100
)
