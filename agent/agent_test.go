package agent

import (
	"path/filepath"
	"testing"

	"github.com/xtaci/netmontun/ecdhe"
	"github.com/xtaci/netmontun/keystore"
	"github.com/xtaci/netmontun/ntp"
	"github.com/xtaci/netmontun/spack"
)

// coordinatorSide is a minimal stand-in for the coordinator's half of the
// handshake, enough to drive the agent through a full round trip without
// depending on the coordinator package.
type coordinatorSide struct {
	session *ecdhe.Session
}

func (c *coordinatorSide) challenge(peerPub []byte) (*ntp.RegisterChallengeBody, []byte, error) {
	session, err := ecdhe.New("p256")
	if err != nil {
		return nil, nil, err
	}
	c.session = session
	if _, err := session.Link(peerPub, nil); err != nil {
		return nil, nil, err
	}
	control, ch, err := session.GenerateChallenge(nil, nil)
	if err != nil {
		return nil, nil, err
	}
	return &ntp.RegisterChallengeBody{PublicKey: session.PublicKey(), Challenge: *ch}, control, nil
}

func (c *coordinatorSide) confirm(resp *ntp.RegisterChallenge2Body, control []byte) (bool, error) {
	return c.session.ConfirmChallenge(&resp.Response, control)
}

func TestRegisterHandshakeEndToEnd(t *testing.T) {
	a := New(Config{Curve: "p256", Store: keystore.NewFileStore(filepath.Join(t.TempDir(), "keystore.json"))})

	registerDatagram, err := a.BeginRegister()
	if err != nil {
		t.Fatal(err)
	}
	registerBody := registerDatagram.Body.(*ntp.RegisterBody)

	var coord coordinatorSide
	challengeBody, control, err := coord.challenge(registerBody.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	responseDatagram, err := a.FinishRegister(challengeBody)
	if err != nil {
		t.Fatal(err)
	}
	responseBody := responseDatagram.Body.(*ntp.RegisterChallenge2Body)

	ok, err := coord.confirm(responseBody, control)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("coordinator failed to confirm agent's challenge response")
	}

	if err := a.CompleteRegister(); err != nil {
		t.Fatal(err)
	}
	if a.SessionID() == ([16]byte{}) {
		t.Fatal("expected non-zero session id after CompleteRegister")
	}
}

func TestWakeRevivesPersistedSession(t *testing.T) {
	store := keystore.NewFileStore(filepath.Join(t.TempDir(), "keystore.json"))
	first := New(Config{Curve: "p256", Store: store})

	registerDatagram, err := first.BeginRegister()
	if err != nil {
		t.Fatal(err)
	}
	registerBody := registerDatagram.Body.(*ntp.RegisterBody)

	var coord coordinatorSide
	challengeBody, control, err := coord.challenge(registerBody.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	responseDatagram, err := first.FinishRegister(challengeBody)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := coord.confirm(responseDatagram.Body.(*ntp.RegisterChallenge2Body), control); err != nil || !ok {
		t.Fatalf("confirm: ok=%v err=%v", ok, err)
	}
	if err := first.CompleteRegister(); err != nil {
		t.Fatal(err)
	}
	originalSessionID := first.SessionID()

	revived := New(Config{Curve: "p256", Store: store})
	wakeDatagram, err := revived.BeginWake()
	if err != nil {
		t.Fatal(err)
	}
	if revived.SessionID() != originalSessionID {
		t.Fatalf("revived session id = %x, want %x", revived.SessionID(), originalSessionID)
	}
	if wakeDatagram.Public.SessionID != originalSessionID {
		t.Fatalf("wake public header session id = %x", wakeDatagram.Public.SessionID)
	}

	// the revived session's key schedule must match the coordinator's
	// original one, since both are derived from the same secret/salt.
	wire, err := ntp.Encode(wakeDatagram, revived.Session())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ntp.Decode(wire, coord.session); err != nil {
		t.Fatalf("coordinator could not decode revived session's datagram: %v", err)
	}
}

func TestDiscardSessionDeletesKeystore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	store := keystore.NewFileStore(path)
	a := New(Config{Curve: "p256", Store: store})
	if err := store.Save(&keystore.Record{SessionID: []byte("x"), Secret: []byte("y"), Salt: []byte("z")}); err != nil {
		t.Fatal(err)
	}
	if err := a.DiscardSession(); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(); err == nil {
		t.Fatal("expected keystore to be gone after DiscardSession")
	}
}

func TestBuildSendMetricsRequiresEstablishedSession(t *testing.T) {
	a := New(Config{Curve: "p256"})
	task := &spack.Task{Device: spack.DeviceMetrics{CPU: true}}
	report := &spack.MetricReport{TaskID: "t"}
	if _, err := a.BuildSendMetrics(report, task); err == nil {
		t.Fatal("expected error building SEND_METRICS before a session is established")
	}
}
