// SPDX-License-Identifier: GPL-3.0-or-later

// Package frame implements the bonding tunnel frame codec.
//
// A frame is the four-byte magic, an 18-byte fixed header and the payload:
//
//	magic "DWNB" (4) | version (1) | flags (1) | stream id (int32 LE) |
//	sequence (int64 LE) | payload length (int32 LE) | payload
//
// Only encoding and decoding live here. The tunnel transport is not
// part of this module.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the size of the magic plus the fixed header fields.
const HeaderSize = 4 + 18

// Version is the frame version we emit.
const Version = 1

// DefaultMaxPayload is the default payload limit used by [Read].
const DefaultMaxPayload = 1 << 20

// magic starts every frame.
var magic = [4]byte{'D', 'W', 'N', 'B'}

var (
	// ErrShort indicates that the buffer is shorter than [HeaderSize].
	ErrShort = errors.New("frame: buffer shorter than header")

	// ErrBadMagic indicates that the buffer does not start with "DWNB".
	ErrBadMagic = errors.New("frame: bad magic")

	// ErrBadLength indicates a negative or oversized payload length.
	ErrBadLength = errors.New("frame: bad payload length")
)

// Frame is a bonding tunnel frame.
type Frame struct {
	// Version is the protocol version.
	Version uint8

	// Flags contains protocol flags.
	Flags uint8

	// StreamID identifies the multiplexed stream.
	StreamID int32

	// Seq is the frame sequence number within the stream.
	Seq int64

	// Payload contains the frame payload.
	Payload []byte
}

// Size returns the encoded size of the frame.
func (f *Frame) Size() int {
	return HeaderSize + len(f.Payload)
}

// Marshal returns the encoding of the frame.
func (f *Frame) Marshal() []byte {
	b := make([]byte, f.Size())
	f.putHeader(b)
	copy(b[HeaderSize:], f.Payload)
	return b
}

// putHeader writes the fixed prefix into b[:HeaderSize].
func (f *Frame) putHeader(b []byte) {
	copy(b[0:4], magic[:])
	b[4] = f.Version
	b[5] = f.Flags
	binary.LittleEndian.PutUint32(b[6:10], uint32(f.StreamID))
	binary.LittleEndian.PutUint64(b[10:18], uint64(f.Seq))
	binary.LittleEndian.PutUint32(b[18:22], uint32(len(f.Payload)))
}

// header is the decoded fixed prefix.
type header struct {
	version  uint8
	flags    uint8
	streamID int32
	seq      int64
	length   int32
}

// parseHeader decodes the fixed prefix at the beginning of b.
func parseHeader(b []byte) (header, error) {
	if len(b) < HeaderSize {
		return header{}, ErrShort
	}
	if !bytes.Equal(b[0:4], magic[:]) {
		return header{}, ErrBadMagic
	}
	hdr := header{
		version:  b[4],
		flags:    b[5],
		streamID: int32(binary.LittleEndian.Uint32(b[6:10])),
		seq:      int64(binary.LittleEndian.Uint64(b[10:18])),
		length:   int32(binary.LittleEndian.Uint32(b[18:22])),
	}
	if hdr.length < 0 {
		return header{}, ErrBadLength
	}
	return hdr, nil
}

// Unmarshal decodes the frame at the beginning of b and returns the
// number of bytes it used. The payload is copied.
func Unmarshal(b []byte) (*Frame, int, error) {
	hdr, err := parseHeader(b)
	if err != nil {
		return nil, 0, err
	}
	if int(hdr.length) > len(b)-HeaderSize {
		return nil, 0, fmt.Errorf("%w: declared %d, have %d", ErrBadLength, hdr.length, len(b)-HeaderSize)
	}
	end := HeaderSize + int(hdr.length)
	f := &Frame{
		Version:  hdr.version,
		Flags:    hdr.flags,
		StreamID: hdr.streamID,
		Seq:      hdr.seq,
		Payload:  append([]byte{}, b[HeaderSize:end]...),
	}
	return f, end, nil
}

// Write writes the encoding of f to w.
func Write(w io.Writer, f *Frame) error {
	_, err := w.Write(f.Marshal())
	return err
}

// Read reads a single frame from r.
//
// Payloads larger than maxPayload are rejected with [ErrBadLength]
// without being read. A zero maxPayload means [DefaultMaxPayload].
func Read(r io.Reader, maxPayload int) (*Frame, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	var prefix [HeaderSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	hdr, err := parseHeader(prefix[:])
	if err != nil {
		return nil, err
	}
	if int(hdr.length) > maxPayload {
		return nil, fmt.Errorf("%w: declared %d, limit %d", ErrBadLength, hdr.length, maxPayload)
	}
	f := &Frame{
		Version:  hdr.version,
		Flags:    hdr.flags,
		StreamID: hdr.streamID,
		Seq:      hdr.seq,
		Payload:  make([]byte, hdr.length),
	}
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, err
	}
	return f, nil
}
