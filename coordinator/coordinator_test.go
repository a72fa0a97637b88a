package coordinator

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtaci/netmontun/agent"
	"github.com/xtaci/netmontun/flowcontrol"
	"github.com/xtaci/netmontun/keystore"
	"github.com/xtaci/netmontun/ntp"
)

type allowAllAuthorizer struct{ deviceID string }

func (a allowAllAuthorizer) Authorize(net.Addr, []byte) (string, bool) {
	return a.deviceID, true
}

type denyAllAuthorizer struct{}

func (denyAllAuthorizer) Authorize(net.Addr, []byte) (string, bool) {
	return "", false
}

func fakeAddr(s string) net.Addr {
	addr, _ := net.ResolveUDPAddr("udp", s)
	return addr
}

func TestFullHandshakeAcceptsDevice(t *testing.T) {
	c := New(Config{Curve: "p256", Authorizer: allowAllAuthorizer{deviceID: "device-1"}})
	a := agent.New(agent.Config{Curve: "p256", Store: keystore.NewFileStore(filepath.Join(t.TempDir(), "ks.json"))})
	remote := fakeAddr("10.0.0.5:40000")

	registerDatagram, err := a.BeginRegister()
	if err != nil {
		t.Fatal(err)
	}
	challengeDatagram, err := c.HandleRegister(remote, registerDatagram.Body.(*ntp.RegisterBody))
	if err != nil {
		t.Fatal(err)
	}
	if challengeDatagram.Private.Type != ntp.TypeRegisterChallenge {
		t.Fatalf("expected REGISTER_CHALLENGE, got %v", challengeDatagram.Private.Type)
	}

	response2Datagram, err := a.FinishRegister(challengeDatagram.Body.(*ntp.RegisterChallengeBody))
	if err != nil {
		t.Fatal(err)
	}

	acceptedDatagram, sess, err := c.HandleRegisterChallenge2(remote, response2Datagram.Body.(*ntp.RegisterChallenge2Body))
	if err != nil {
		t.Fatal(err)
	}
	if acceptedDatagram.Private.Type != ntp.TypeConnectionAccepted {
		t.Fatalf("handshake was rejected: body=%+v", acceptedDatagram.Body)
	}
	if sess == nil {
		t.Fatal("expected a session on acceptance")
	}
	if sess.DeviceID != "device-1" {
		t.Fatalf("device id = %q, want device-1", sess.DeviceID)
	}

	if err := a.CompleteRegister(); err != nil {
		t.Fatal(err)
	}
	if a.SessionID() != sess.SessionID {
		t.Fatalf("agent session id = %x, coordinator session id = %x", a.SessionID(), sess.SessionID)
	}

	if _, ok := c.Session(sess.SessionID); !ok {
		t.Fatal("session not registered in coordinator's table")
	}
}

func TestHandshakeRejectsUnauthorizedDevice(t *testing.T) {
	c := New(Config{Curve: "p256", Authorizer: denyAllAuthorizer{}})
	a := agent.New(agent.Config{Curve: "p256"})
	remote := fakeAddr("10.0.0.9:40000")

	registerDatagram, err := a.BeginRegister()
	if err != nil {
		t.Fatal(err)
	}
	rejectedDatagram, err := c.HandleRegister(remote, registerDatagram.Body.(*ntp.RegisterBody))
	if err != nil {
		t.Fatal(err)
	}
	if rejectedDatagram.Private.Type != ntp.TypeConnectionRejected {
		t.Fatalf("expected CONNECTION_REJECTED, got %v", rejectedDatagram.Private.Type)
	}
	reason := rejectedDatagram.Body.(*ntp.ConnectionRejectedBody).Reason
	if reason != ReasonDeviceNotAuthorized {
		t.Fatalf("reason = %v, want ReasonDeviceNotAuthorized", reason)
	}
}

func TestSessionResetAfterContiguousErrorLimit(t *testing.T) {
	sess := &Session{Window: flowcontrol.New(0)}
	var reset bool
	for i := 0; i <= flowcontrol.ContiguousErrorLimit; i++ {
		reset = sess.NoteDeliveryError()
	}
	if !reset {
		t.Fatal("expected NoteDeliveryError to signal reset after exceeding the contiguous-error limit")
	}
	d := ConnectionReset(sess, time.Now())
	if d.Private.Type != ntp.TypeConnectionReset {
		t.Fatalf("type = %v, want CONNECTION_RESET", d.Private.Type)
	}
	if d.Body.(*ntp.ConnectionResetBody).TimestampMs == 0 {
		t.Fatal("expected a non-zero reset timestamp")
	}
}
