package pcode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// FormatVersion is the only binary format generation this package reads and
// writes.
const FormatVersion byte = 1

// Magic bytes for P-Code artifacts.
var Magic = [5]byte{'P', 'C', 'O', 'D', 'E'}

// Header layout sizes.
const (
	magicSize       = 5
	versionSize     = 1
	int32Size       = 4
	headerSize      = magicSize + versionSize + 3*int32Size
	instructionSize = 1 + 3*int32Size
)

// ---------------------------------------------------------------------------
// Format Error Types
// ---------------------------------------------------------------------------

var (
	ErrInvalidMagic    = errors.New("invalid magic: expected PCODE")
	ErrVersionMismatch = errors.New("format version mismatch")
	ErrTruncated       = errors.New("unexpected end of artifact")
	ErrCorruptData     = errors.New("corrupt artifact data")
)

// FormatError reports a malformed binary artifact. Offset is the byte
// position at which decoding stopped.
type FormatError struct {
	Offset int
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("pcode: format error at byte %d: %v", e.Offset, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Encode serializes p to the binary artifact format.
func Encode(p *Program) []byte {
	size := headerSize + len(p.code)*instructionSize
	for _, s := range p.strings {
		size += int32Size + len(s)
	}
	buf := make([]byte, 0, size)

	buf = append(buf, Magic[:]...)
	buf = append(buf, FormatVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.dataSize))
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(len(p.strings))))
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(len(p.code))))

	for _, s := range p.strings {
		buf = binary.BigEndian.AppendUint32(buf, uint32(int32(len(s))))
		buf = append(buf, s...)
	}

	for _, in := range p.code {
		buf = append(buf, byte(in.Op))
		buf = binary.BigEndian.AppendUint32(buf, uint32(in.Level))
		buf = binary.BigEndian.AppendUint32(buf, uint32(in.Operand))
		buf = binary.BigEndian.AppendUint32(buf, uint32(in.Line))
	}

	return buf
}

// WriteTo writes the binary artifact for p to w.
func (p *Program) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(Encode(p))
	return int64(n), err
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// decoder walks an artifact, recording the offset of the first failure.
type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) fail(err error, format string, args ...any) error {
	if format != "" {
		err = fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...))
	}
	return &FormatError{Offset: d.pos, Err: err}
}

func (d *decoder) remaining() int {
	return len(d.data) - d.pos
}

func (d *decoder) readInt32(what string) (int32, error) {
	if d.remaining() < int32Size {
		return 0, d.fail(ErrTruncated, "reading %s", what)
	}
	v := int32(binary.BigEndian.Uint32(d.data[d.pos:]))
	d.pos += int32Size
	return v, nil
}

func (d *decoder) readCount(what string, minEntrySize int) (int, error) {
	n, err := d.readInt32(what)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, d.fail(ErrCorruptData, "negative %s %d", what, n)
	}
	// Reject counts that cannot possibly fit before allocating for them.
	if int64(n)*int64(minEntrySize) > int64(d.remaining()) {
		return 0, d.fail(ErrTruncated, "%s %d exceeds remaining %d bytes", what, n, d.remaining())
	}
	return int(n), nil
}

// Decode parses a binary artifact. The magic and version are checked before
// anything else is read; any mismatch, truncation or trailing garbage is a
// *FormatError and no Program is returned. The decoded Program is frozen.
func Decode(data []byte) (*Program, error) {
	d := &decoder{data: data}

	if len(data) < magicSize || !bytes.Equal(data[:magicSize], Magic[:]) {
		got := data
		if len(got) > magicSize {
			got = got[:magicSize]
		}
		return nil, d.fail(ErrInvalidMagic, "got %q", got)
	}
	d.pos = magicSize

	if d.remaining() < versionSize {
		return nil, d.fail(ErrTruncated, "reading version")
	}
	if v := data[d.pos]; v != FormatVersion {
		return nil, d.fail(ErrVersionMismatch, "expected %d, got %d", FormatVersion, v)
	}
	d.pos += versionSize

	dataSize, err := d.readInt32("data size")
	if err != nil {
		return nil, err
	}
	if dataSize < 0 {
		return nil, d.fail(ErrCorruptData, "negative data size %d", dataSize)
	}

	stringCount, err := d.readCount("string count", int32Size)
	if err != nil {
		return nil, err
	}
	codeCount, err := d.readInt32("instruction count")
	if err != nil {
		return nil, err
	}
	if codeCount < 0 {
		return nil, d.fail(ErrCorruptData, "negative instruction count %d", codeCount)
	}

	p := NewProgram()
	p.dataSize = dataSize

	for i := 0; i < stringCount; i++ {
		n, err := d.readCount(fmt.Sprintf("string %d length", i), 1)
		if err != nil {
			return nil, err
		}
		s := string(data[d.pos : d.pos+n])
		if !utf8.ValidString(s) {
			return nil, d.fail(ErrCorruptData, "string %d is not valid UTF-8", i)
		}
		if _, dup := p.stringIx[s]; dup {
			return nil, d.fail(ErrCorruptData, "duplicate string table entry %q", s)
		}
		d.pos += n
		p.stringIx[s] = int32(len(p.strings))
		p.strings = append(p.strings, s)
	}

	if int64(codeCount)*instructionSize > int64(d.remaining()) {
		return nil, d.fail(ErrTruncated, "instruction count %d exceeds remaining %d bytes", codeCount, d.remaining())
	}
	p.code = make([]Instruction, 0, codeCount)
	for i := 0; i < int(codeCount); i++ {
		in := Instruction{Op: Opcode(data[d.pos])}
		d.pos++
		// Lengths were checked above, errors are impossible here.
		in.Level, _ = d.readInt32("level")
		in.Operand, _ = d.readInt32("operand")
		in.Line, _ = d.readInt32("line")
		p.code = append(p.code, in)
	}

	if d.remaining() != 0 {
		return nil, d.fail(ErrCorruptData, "%d trailing bytes", d.remaining())
	}

	p.Freeze()
	return p, nil
}

// ReadProgram reads a complete artifact from r and decodes it.
func ReadProgram(r io.Reader) (*Program, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read program: %w", err)
	}
	return Decode(data)
}
