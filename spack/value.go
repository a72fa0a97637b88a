package spack

import (
	"github.com/pkg/errors"
	"github.com/xtaci/netmontun/buffer"
)

// Sentinel decode/encode errors.
var (
	ErrUnknownKey      = errors.New("spack: unknown key")
	ErrBadValueForKey  = errors.New("spack: bad value for key")
	ErrMissingKeymap   = errors.New("spack: dynamic key with no name table")
	ErrTruncatedObject = errors.New("spack: truncated object")
	ErrUnknownTypeCode = errors.New("spack: unknown type code")
)

// Field is one (key, value) pair inside an Object. A static field sets Key
// to one of the Key* constants; a dynamic field sets Key to NamedKey and
// supplies Name.
type Field struct {
	Key   int
	Name  string
	Value interface{}
}

// Object is an ordered sequence of fields, mirroring the wire form
// "0xFF, count, (key, value)*count". Field order is preserved because the
// encoding is not required to sort keys and round-tripping must be exact
// for the bytes a test might compare, though semantic equality only
// requires the same set of (key, value) pairs.
type Object struct {
	Fields []Field
}

// Get returns the first field with the given static key.
func (o *Object) Get(key int) (interface{}, bool) {
	if o == nil {
		return nil, false
	}
	for _, f := range o.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// GetNamed returns the first dynamic field with the given name.
func (o *Object) GetNamed(name string) (interface{}, bool) {
	if o == nil {
		return nil, false
	}
	for _, f := range o.Fields {
		if f.Key == NamedKey && f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Set appends or overwrites a static field.
func (o *Object) Set(key int, value interface{}) {
	for i, f := range o.Fields {
		if f.Key == key {
			o.Fields[i].Value = value
			return
		}
	}
	o.Fields = append(o.Fields, Field{Key: key, Value: value})
}

// SetNamed appends or overwrites a dynamic field.
func (o *Object) SetNamed(name string, value interface{}) {
	for i, f := range o.Fields {
		if f.Key == NamedKey && f.Name == name {
			o.Fields[i].Value = value
			return
		}
	}
	o.Fields = append(o.Fields, Field{Key: NamedKey, Name: name, Value: value})
}

// EncodeValue writes v's type code followed by its bytes. Integers are
// written using the narrowest representation that fits:
// unsigned values prefer u8 < u16 < u32, negative values prefer
// s8 < s16 < s32.
func EncodeValue(w *buffer.Writer, v interface{}) error {
	switch x := v.(type) {
	case uint8:
		w.WriteU8(TypeU8)
		w.WriteU8(x)
	case uint16:
		encodeUint(w, uint64(x))
	case uint32:
		encodeUint(w, uint64(x))
	case uint64:
		encodeUint(w, x)
	case int:
		encodeInt(w, int64(x))
	case int8:
		w.WriteU8(TypeS8)
		w.WriteS8(x)
	case int16:
		encodeInt(w, int64(x))
	case int32:
		encodeInt(w, int64(x))
	case int64:
		encodeInt(w, x)
	case float32:
		w.WriteU8(TypeFloat)
		w.WriteFloat32(x)
	case float64:
		w.WriteU8(TypeDouble)
		w.WriteFloat64(x)
	case *Object:
		return encodeObject(w, x)
	default:
		return errors.Wrapf(ErrBadValueForKey, "unsupported go type %T", v)
	}
	return nil
}

// encodeUint picks the narrowest unsigned width that represents x.
func encodeUint(w *buffer.Writer, x uint64) {
	switch {
	case x <= 0xFF:
		w.WriteU8(TypeU8)
		w.WriteU8(uint8(x))
	case x <= 0xFFFF:
		w.WriteU8(TypeU16)
		w.WriteU16(uint16(x))
	default:
		w.WriteU8(TypeU32)
		w.WriteU32(uint32(x))
	}
}

// encodeInt picks the narrowest representation that fits x, preferring the
// unsigned family for non-negative values.
func encodeInt(w *buffer.Writer, x int64) {
	if x >= 0 {
		encodeUint(w, uint64(x))
		return
	}
	switch {
	case x >= -128:
		w.WriteU8(TypeS8)
		w.WriteS8(int8(x))
	case x >= -32768:
		w.WriteU8(TypeS16)
		w.WriteS16(int16(x))
	default:
		w.WriteU8(TypeS32)
		w.WriteS32(int32(x))
	}
}

func encodeObject(w *buffer.Writer, o *Object) error {
	w.WriteU8(TypeObject)
	if len(o.Fields) > 255 {
		return errors.New("spack: object has more than 255 fields")
	}
	w.WriteU8(uint8(len(o.Fields)))
	for _, f := range o.Fields {
		if f.Key == NamedKey {
			if len(f.Name) > 255 {
				return errors.New("spack: dynamic key name too long")
			}
			w.WriteU8(NamedKey)
			w.WriteU8(uint8(len(f.Name)))
			w.Write([]byte(f.Name))
		} else {
			if f.Key < 0 || f.Key > 254 {
				return errors.Wrapf(ErrUnknownKey, "key=%d", f.Key)
			}
			w.WriteU8(uint8(f.Key))
		}
		if err := EncodeValue(w, f.Value); err != nil {
			return err
		}
	}
	return nil
}

// DecodeValue reads one type-coded value, recursing into nested objects.
func DecodeValue(r *buffer.Reader) (interface{}, error) {
	code, err := r.ReadU8()
	if err != nil {
		return nil, errors.Wrap(ErrTruncatedObject, err.Error())
	}
	switch code {
	case TypeU8:
		v, err := r.ReadU8()
		return v, wrapTrunc(err)
	case TypeU16:
		v, err := r.ReadU16()
		return v, wrapTrunc(err)
	case TypeU32:
		v, err := r.ReadU32()
		return v, wrapTrunc(err)
	case TypeS8:
		v, err := r.ReadS8()
		return v, wrapTrunc(err)
	case TypeS16:
		v, err := r.ReadS16()
		return v, wrapTrunc(err)
	case TypeS32:
		v, err := r.ReadS32()
		return v, wrapTrunc(err)
	case TypeFloat:
		v, err := r.ReadFloat32()
		return v, wrapTrunc(err)
	case TypeDouble:
		v, err := r.ReadFloat64()
		return v, wrapTrunc(err)
	case TypeObject:
		return decodeObject(r)
	default:
		return nil, errors.Wrapf(ErrUnknownTypeCode, "0x%02x", code)
	}
}

func wrapTrunc(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(ErrTruncatedObject, err.Error())
}

func decodeObject(r *buffer.Reader) (*Object, error) {
	count, err := r.ReadU8()
	if err != nil {
		return nil, errors.Wrap(ErrTruncatedObject, err.Error())
	}
	obj := &Object{Fields: make([]Field, 0, count)}
	for i := 0; i < int(count); i++ {
		keyByte, err := r.ReadU8()
		if err != nil {
			return nil, errors.Wrap(ErrTruncatedObject, err.Error())
		}
		f := Field{Key: int(keyByte)}
		if keyByte == NamedKey {
			nlen, err := r.ReadU8()
			if err != nil {
				return nil, errors.Wrap(ErrTruncatedObject, err.Error())
			}
			nameBytes, err := r.Read(int(nlen))
			if err != nil {
				return nil, errors.Wrap(ErrTruncatedObject, err.Error())
			}
			f.Name = string(nameBytes)
		}
		val, err := DecodeValue(r)
		if err != nil {
			return nil, err
		}
		f.Value = val
		obj.Fields = append(obj.Fields, f)
	}
	return obj, nil
}

// Marshal serialises a root object (the top-level value carries its own
// 0xFF type code, matching what DecodeValue/EncodeValue expect on the
// wire).
func Marshal(o *Object) ([]byte, error) {
	w := buffer.NewWriter()
	if err := EncodeValue(w, o); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// Unmarshal parses a root object previously produced by Marshal.
func Unmarshal(b []byte) (*Object, error) {
	r := buffer.NewReader(b)
	v, err := DecodeValue(r)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(*Object)
	if !ok {
		return nil, errors.New("spack: root value is not an object")
	}
	return obj, nil
}

// asInt normalises any of the decoded integer Go types into an int64.
func asInt(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case int:
		return int64(x), true
	default:
		return 0, false
	}
}
