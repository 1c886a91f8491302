package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Program is a self-contained, serializable unit for the CLI/embedder:
// the top-level bytecode to execute plus the set of functions to
// register before running it. This is container tooling around the
// already-in-scope wire format (§6), not the excluded static native-object
// backend -- nothing here touches machine code.
type Program struct {
	Main      []byte
	Functions []Function
}

const (
	containerMagic   = "GOVM"
	containerVersion = uint8(1)
)

// Serialize encodes p into the container format: a 4-byte magic, a
// version byte, the u32-length-prefixed Main bytecode, then a u16 count
// of function records, each a u16-length-prefixed name, an arity byte and
// a u32-length-prefixed bytecode blob. Grounded on the
// teacher's serializer.go chunking idiom (encoding/binary, explicit
// length prefixes, no reflection-based encoding).
func Serialize(p Program) []byte {
	var buf bytes.Buffer
	buf.WriteString(containerMagic)
	buf.WriteByte(containerVersion)

	writeU32Blob(&buf, p.Main)

	var countBuf [2]byte
	binary.LittleEndian.PutUint16(countBuf[:], uint16(len(p.Functions)))
	buf.Write(countBuf[:])

	for _, fn := range p.Functions {
		writeU16String(&buf, fn.Name)
		buf.WriteByte(fn.Arity)
		writeU32Blob(&buf, fn.Bytecode)
	}
	return buf.Bytes()
}

func writeU32Blob(buf *bytes.Buffer, data []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
}

func writeU16String(buf *bytes.Buffer, s string) {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

// Deserialize decodes a container previously produced by Serialize.
func Deserialize(data []byte) (Program, error) {
	if len(data) < 5 || string(data[:4]) != containerMagic {
		return Program{}, fmt.Errorf("bytecode: not a govm container (bad magic)")
	}
	if data[4] != containerVersion {
		return Program{}, fmt.Errorf("bytecode: unsupported container version %d", data[4])
	}
	r := &reader{data: data, pos: 5}

	main, err := r.blob32()
	if err != nil {
		return Program{}, err
	}

	count, err := r.u16()
	if err != nil {
		return Program{}, err
	}

	fns := make([]Function, 0, count)
	for i := uint16(0); i < count; i++ {
		name, err := r.string16()
		if err != nil {
			return Program{}, err
		}
		arity, err := r.u8()
		if err != nil {
			return Program{}, err
		}
		code, err := r.blob32()
		if err != nil {
			return Program{}, err
		}
		fns = append(fns, Function{Name: name, Arity: arity, Bytecode: code})
	}
	return Program{Main: main, Functions: fns}, nil
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) u8() (uint8, error) {
	if r.pos+1 > len(r.data) {
		return 0, fmt.Errorf("bytecode: truncated container (u8)")
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if r.pos+2 > len(r.data) {
		return 0, fmt.Errorf("bytecode: truncated container (u16)")
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos : r.pos+2])
	r.pos += 2
	return v, nil
}

func (r *reader) blob32() ([]byte, error) {
	if r.pos+4 > len(r.data) {
		return nil, fmt.Errorf("bytecode: truncated container (blob length)")
	}
	n := int(binary.LittleEndian.Uint32(r.data[r.pos : r.pos+4]))
	r.pos += 4
	if r.pos+n > len(r.data) {
		return nil, fmt.Errorf("bytecode: truncated container (blob body)")
	}
	out := make([]byte, n)
	copy(out, r.data[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

func (r *reader) string16() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.data) {
		return "", fmt.Errorf("bytecode: truncated container (string body)")
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}
