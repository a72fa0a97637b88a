package buffer

import "testing"

func TestRoundTripIntegers(t *testing.T) {
	w := NewWriter()
	w.WriteU8(0xAB)
	w.WriteU16(0x1234)
	w.WriteU32(0xDEADBEEF)
	w.WriteS8(-5)
	w.WriteS16(-1000)
	w.WriteS32(-70000)

	r := NewReader(w.Bytes())
	if v, err := r.ReadU8(); err != nil || v != 0xAB {
		t.Fatalf("ReadU8 = %v, %v", v, err)
	}
	if v, err := r.ReadU16(); err != nil || v != 0x1234 {
		t.Fatalf("ReadU16 = %v, %v", v, err)
	}
	if v, err := r.ReadU32(); err != nil || v != 0xDEADBEEF {
		t.Fatalf("ReadU32 = %v, %v", v, err)
	}
	if v, err := r.ReadS8(); err != nil || v != -5 {
		t.Fatalf("ReadS8 = %v, %v", v, err)
	}
	if v, err := r.ReadS16(); err != nil || v != -1000 {
		t.Fatalf("ReadS16 = %v, %v", v, err)
	}
	if v, err := r.ReadS32(); err != nil || v != -70000 {
		t.Fatalf("ReadS32 = %v, %v", v, err)
	}
	if !r.Eof() {
		t.Fatalf("expected eof after consuming all written bytes")
	}
}

func TestRoundTripFloats(t *testing.T) {
	w := NewWriter()
	w.WriteFloat32(3.5)
	w.WriteFloat64(-123.456)

	r := NewReader(w.Bytes())
	if v, err := r.ReadFloat32(); err != nil || v != 3.5 {
		t.Fatalf("ReadFloat32 = %v, %v", v, err)
	}
	if v, err := r.ReadFloat64(); err != nil || v != -123.456 {
		t.Fatalf("ReadFloat64 = %v, %v", v, err)
	}
}

func TestShortBuffer(t *testing.T) {
	r := NewReader([]byte{0x01})
	if _, err := r.ReadU32(); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestPeekDoesNotAdvance(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})
	if _, err := r.Peek(2); err != nil {
		t.Fatal(err)
	}
	if r.Pos() != 0 {
		t.Fatalf("Peek must not advance cursor, pos=%d", r.Pos())
	}
	b, err := r.Read(3)
	if err != nil || len(b) != 3 {
		t.Fatalf("Read(3) = %v, %v", b, err)
	}
	if !r.Eof() {
		t.Fatal("expected eof")
	}
}
