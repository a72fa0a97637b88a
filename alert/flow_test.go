package alert

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/xtaci/netmontun/spack"
)

func sampleTask() *spack.Task {
	return &spack.Task{
		Frequency: time.Second,
		Device:    spack.DeviceMetrics{CPU: true, RAM: true},
		Link:      spack.LinkMetrics{Latency: spack.LinkMetricSpec{Mode: spack.LinkInheritGlobal}},
	}
}

func int8p(v int8) *int8 { return &v }

func TestEncodeDecodeRoundTrip(t *testing.T) {
	task := sampleTask()
	var sid [16]byte
	copy(sid[:], []byte("sessionsessionid"))

	f := &Flow{
		SessionID: sid,
		Report: &spack.MetricReport{
			TaskID: "task-1",
			Device: &spack.DeviceMetricValues{CPU: int8p(42), RAM: int8p(10)},
		},
	}

	wire, err := Encode(f, task, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(wire, []byte(Signature)) {
		t.Fatalf("wire does not start with %q", Signature)
	}

	got, err := Decode(wire, task, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID != sid {
		t.Fatalf("session id = %x, want %x", got.SessionID, sid)
	}
	if got.Report.TaskID != "task-1" {
		t.Fatalf("task id = %q", got.Report.TaskID)
	}
	if *got.Report.Device.CPU != 42 {
		t.Fatalf("cpu = %v, want 42", got.Report.Device.CPU)
	}
}

func TestDecodeRejectsBadSignature(t *testing.T) {
	if _, err := Decode([]byte("XXXXnonsense"), sampleTask(), nil); err != ErrBadSignature {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

type staticResolver struct {
	task *spack.Task
}

func (r staticResolver) ResolveTask([16]byte, string) (*spack.Task, bool) {
	return r.task, true
}

func TestClientServerRoundTrip(t *testing.T) {
	task := sampleTask()
	received := make(chan *Flow, 1)

	srv, err := Listen("tcp", "127.0.0.1:0", staticResolver{task: task}, func(_ net.Addr, f *Flow) {
		received <- f
	})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	go srv.Serve()

	cli, err := Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	var sid [16]byte
	copy(sid[:], []byte("sessionsessionid"))
	f := &Flow{
		SessionID: sid,
		Report: &spack.MetricReport{
			TaskID: "task-1",
			Device: &spack.DeviceMetricValues{CPU: int8p(-5)},
		},
	}
	if err := cli.Send(f, task); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if got.SessionID != sid {
			t.Fatalf("session id = %x, want %x", got.SessionID, sid)
		}
		if *got.Report.Device.CPU != -5 {
			t.Fatalf("cpu = %v, want -5", *got.Report.Device.CPU)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive flow")
	}
}
