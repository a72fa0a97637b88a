package ntp

import (
	"bytes"
	"testing"

	"github.com/xtaci/netmontun/ecdhe"
)

func linkedPair(t *testing.T) (*ecdhe.Session, *ecdhe.Session) {
	t.Helper()
	a, err := ecdhe.New("p256")
	if err != nil {
		t.Fatal(err)
	}
	b, err := ecdhe.New("p256")
	if err != nil {
		t.Fatal(err)
	}
	salt, err := a.Link(b.PublicKey(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Link(a.PublicKey(), salt); err != nil {
		t.Fatal(err)
	}
	return a, b
}

func TestPlainRegisterRoundTrip(t *testing.T) {
	var sid [16]byte
	copy(sid[:], []byte("0123456789abcdef"))
	d := &Datagram{
		Public: PublicHeader{SessionID: sid, Mark: MarkPlain},
		Private: PrivateHeader{
			Version:  privateHeaderVersion,
			Sequence: 1,
			Type:     TypeRegister,
		},
		Body: &RegisterBody{PublicKey: []byte{1, 2, 3, 4}},
	}
	wire, err := Encode(d, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(wire, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Public.SessionID != sid {
		t.Fatalf("session id = %v, want %v", got.Public.SessionID, sid)
	}
	rb, ok := got.Body.(*RegisterBody)
	if !ok {
		t.Fatalf("body type = %T, want *RegisterBody", got.Body)
	}
	if !bytes.Equal(rb.PublicKey, []byte{1, 2, 3, 4}) {
		t.Fatalf("public key = %v", rb.PublicKey)
	}
}

func TestEncryptedSendMetricsRoundTrip(t *testing.T) {
	a, b := linkedPair(t)
	var sid [16]byte
	copy(sid[:], []byte("sessionsessionid"))
	d := &Datagram{
		Public: PublicHeader{SessionID: sid, Mark: MarkEncrypted},
		Private: PrivateHeader{
			Version:  privateHeaderVersion,
			Sequence: 9,
			Ack:      8,
			Type:     TypeSendMetrics,
		},
		Body: &SendMetricsBody{TaskID: "task-1", Report: []byte("spack-bytes")},
	}
	wire, err := Encode(d, a)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(wire, b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Private.Sequence != 9 || got.Private.Ack != 8 {
		t.Fatalf("private header = %+v", got.Private)
	}
	sb, ok := got.Body.(*SendMetricsBody)
	if !ok {
		t.Fatalf("body type = %T, want *SendMetricsBody", got.Body)
	}
	if sb.TaskID != "task-1" || string(sb.Report) != "spack-bytes" {
		t.Fatalf("task-id/report = %q/%q", sb.TaskID, sb.Report)
	}
}

func TestDecodeRejectsWrongSessionKey(t *testing.T) {
	a, _ := linkedPair(t)
	stranger, err := ecdhe.New("p256")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stranger.Link(a.PublicKey(), nil); err != nil {
		t.Fatal(err)
	}

	d := &Datagram{
		Public:  PublicHeader{Mark: MarkEncrypted},
		Private: PrivateHeader{Version: privateHeaderVersion, Type: TypeAck},
		Body:    &Bodyless{t: TypeAck},
	}
	wire, err := Encode(d, a)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(wire, stranger); err == nil {
		t.Fatal("expected authentication failure decoding under unrelated session")
	}
}

func TestSignatureScanSkipsLeadingGarbage(t *testing.T) {
	d := &Datagram{
		Public:  PublicHeader{Mark: MarkPlain},
		Private: PrivateHeader{Version: privateHeaderVersion, Type: TypeConnectionReset},
		Body:    &ConnectionResetBody{TimestampMs: 1000},
	}
	wire, err := Encode(d, nil)
	if err != nil {
		t.Fatal(err)
	}
	padded := append([]byte{0xDE, 0xAD, 0xBE, 0xEF}, wire...)
	got, err := Decode(padded, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Private.Type != TypeConnectionReset {
		t.Fatalf("type = %v", got.Private.Type)
	}
}

func TestPayloadTooLargeRejected(t *testing.T) {
	d := &Datagram{
		Public:  PublicHeader{Mark: MarkPlain},
		Private: PrivateHeader{Version: privateHeaderVersion, Type: TypePushSchemas},
		Body:    &PushSchemasBody{Schema: make([]byte, MaxPayload+1)},
	}
	if _, err := Encode(d, nil); err == nil {
		t.Fatal("expected ErrPayloadTooLarge")
	}
}
