// Package pack implements the byte buffer used for step state files and
// info responses. Fields are written big-endian in a fixed order decided
// by the caller; there is no self-describing framing, which is why the
// protocol version travels out of band.
package pack

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// MaxStringLen bounds unpacked strings so a corrupt length prefix cannot
// trigger a huge allocation.
const MaxStringLen = 1024 * 1024

// noString is the length prefix used for an absent string.
const noString = 0xffffffff

type Buffer struct {
	buf []byte
	off int
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

func NewBufferFrom(data []byte) *Buffer {
	return &Buffer{buf: data}
}

func (b *Buffer) Bytes() []byte {
	return b.buf
}

// Offset returns the read position once reading has advanced past the
// start, and otherwise the buffer length (the write position).
func (b *Buffer) Offset() int {
	if b.off > 0 {
		return b.off
	}
	return len(b.buf)
}

// PatchU32 overwrites a u32 previously written at off. Used for the
// record count that is only known after packing the records.
func (b *Buffer) PatchU32(off int, v uint32) {
	binary.BigEndian.PutUint32(b.buf[off:], v)
}

func (b *Buffer) PackU8(v uint8) {
	b.buf = append(b.buf, v)
}

func (b *Buffer) PackU16(v uint16) {
	b.buf = binary.BigEndian.AppendUint16(b.buf, v)
}

func (b *Buffer) PackU32(v uint32) {
	b.buf = binary.BigEndian.AppendUint32(b.buf, v)
}

func (b *Buffer) PackU64(v uint64) {
	b.buf = binary.BigEndian.AppendUint64(b.buf, v)
}

func (b *Buffer) PackTime(t time.Time) {
	if t.IsZero() {
		b.PackU64(0)
		return
	}
	b.PackU64(uint64(t.Unix()))
}

// PackDuration packs a duration as whole seconds.
func (b *Buffer) PackDuration(d time.Duration) {
	b.PackU64(uint64(d / time.Second))
}

func (b *Buffer) PackString(s string) {
	b.PackU32(uint32(len(s)))
	b.buf = append(b.buf, s...)
}

// PackNoString packs the absent-string marker, distinct from "".
func (b *Buffer) PackNoString() {
	b.PackU32(noString)
}

func (b *Buffer) need(n int) error {
	if b.off+n > len(b.buf) {
		return errors.Errorf("pack: truncated buffer, need %d bytes at offset %d of %d", n, b.off, len(b.buf))
	}
	return nil
}

func (b *Buffer) UnpackU8() (uint8, error) {
	if err := b.need(1); err != nil {
		return 0, err
	}
	v := b.buf[b.off]
	b.off++
	return v, nil
}

func (b *Buffer) UnpackU16() (uint16, error) {
	if err := b.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(b.buf[b.off:])
	b.off += 2
	return v, nil
}

func (b *Buffer) UnpackU32() (uint32, error) {
	if err := b.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(b.buf[b.off:])
	b.off += 4
	return v, nil
}

func (b *Buffer) UnpackU64() (uint64, error) {
	if err := b.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(b.buf[b.off:])
	b.off += 8
	return v, nil
}

func (b *Buffer) UnpackTime() (time.Time, error) {
	v, err := b.UnpackU64()
	if err != nil {
		return time.Time{}, err
	}
	if v == 0 {
		return time.Time{}, nil
	}
	return time.Unix(int64(v), 0), nil
}

func (b *Buffer) UnpackDuration() (time.Duration, error) {
	v, err := b.UnpackU64()
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Second, nil
}

func (b *Buffer) UnpackString() (string, error) {
	n, err := b.UnpackU32()
	if err != nil {
		return "", err
	}
	if n == noString {
		return "", nil
	}
	if n > MaxStringLen {
		return "", errors.Errorf("pack: string length %d exceeds limit", n)
	}
	if err := b.need(int(n)); err != nil {
		return "", err
	}
	s := string(b.buf[b.off : b.off+int(n)])
	b.off += int(n)
	return s, nil
}
