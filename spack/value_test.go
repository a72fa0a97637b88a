package spack

import (
	"testing"

	"github.com/xtaci/netmontun/buffer"
)

func TestNarrowestIntegerWidth(t *testing.T) {
	cases := []struct {
		v        interface{}
		wantCode byte
	}{
		{uint32(10), TypeU8},
		{uint32(1000), TypeU16},
		{uint32(100000), TypeU32},
		{int32(-1), TypeS8},
		{int32(-1000), TypeS16},
		{int32(-100000), TypeS32},
	}
	for _, c := range cases {
		w := buffer.NewWriter()
		if err := EncodeValue(w, c.v); err != nil {
			t.Fatal(err)
		}
		if w.Bytes()[0] != c.wantCode {
			t.Fatalf("value %v: code = %d, want %d", c.v, w.Bytes()[0], c.wantCode)
		}
	}
}

func TestObjectRoundTrip(t *testing.T) {
	inner := &Object{}
	inner.SetNamed("eth0", uint8(7))

	root := &Object{}
	root.Set(KeyFrequency, uint32(1000))
	root.Set(KeyInterfaceStats, inner)

	wire, err := Marshal(root)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(wire)
	if err != nil {
		t.Fatal(err)
	}
	v, ok := got.Get(KeyFrequency)
	if !ok {
		t.Fatal("missing frequency")
	}
	if n, _ := asInt(v); n != 1000 {
		t.Fatalf("frequency = %v", v)
	}
	nested, ok := got.Get(KeyInterfaceStats)
	if !ok {
		t.Fatal("missing nested object")
	}
	nestedObj := nested.(*Object)
	nv, ok := nestedObj.GetNamed("eth0")
	if !ok {
		t.Fatal("missing dynamic field")
	}
	if n, _ := asInt(nv); n != 7 {
		t.Fatalf("eth0 = %v", nv)
	}
}

func TestUnknownTypeCode(t *testing.T) {
	r := buffer.NewReader([]byte{0xAA})
	if _, err := DecodeValue(r); err == nil {
		t.Fatal("expected unknown type code error")
	}
}

func TestTruncatedObject(t *testing.T) {
	r := buffer.NewReader([]byte{TypeObject, 2, byte(KeyFrequency)})
	if _, err := DecodeValue(r); err == nil {
		t.Fatal("expected truncated object error")
	}
}
