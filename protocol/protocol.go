// Package protocol implements the frame format used on a mini-ipc channel socket.
//
// A unix stream socket has no message boundaries, so every envelope is wrapped
// in a frame: a fixed 14-byte header followed by a variable-length body. The
// receiver reads the header first to learn the body length, then reads exactly
// that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │mt│fl│   seq   │ bodyLen │    body ...    │
//	│ mip  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic number bytes: "mip" (mini-ipc protocol).
// Lets a listener reject peers that are not speaking this protocol.
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x69 // 'i'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (msgType) + 1 (flags) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame body. Larger frames are rejected on
	// both sides before any allocation.
	MaxBodyLen uint32 = 16 << 20
)

var ErrFrameTooLarge = errors.New("protocol: frame body exceeds limit")

// MsgType distinguishes channel events carried by a frame.
type MsgType byte

const (
	MsgTypeMessage   MsgType = 0 // A "message" event: the body is one encoded envelope
	MsgTypeHeartbeat MsgType = 1 // KeepAlive probe (no body)
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	MsgType MsgType
	Flags   byte   // Reserved, always 0 in version 1
	Seq     uint32 // Per-sender frame counter, used for diagnostics only
	BodyLen uint32
}

// Encode writes a complete frame (header + body) to w with a single Write.
// The caller must serialize concurrent writers on the same w, otherwise frames
// interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return ErrFrameTooLarge
	}
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.MsgType)
	buf[5] = h.Flags
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, message type and body length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	msgType := MsgType(headerBuf[4])
	if msgType != MsgTypeMessage && msgType != MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		MsgType: msgType,
		Flags:   headerBuf[5],
		Seq:     seq,
		BodyLen: bodyLen,
	}, body, nil
}
