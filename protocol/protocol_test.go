package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		MsgType: MsgTypeMessage,
		Seq:     12345,
	}
	body := []byte(`{"id":"a","name":"add"}`)

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decodedHeader.MsgType != header.MsgType {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, header.MsgType)
	}
	if decodedHeader.Seq != header.Seq {
		t.Errorf("Seq mismatch: got %d, want %d", decodedHeader.Seq, header.Seq)
	}
	if decodedHeader.BodyLen != uint32(len(body)) {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, len(body))
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", decodedBody, body)
	}
}

func TestDecodeSequentialFrames(t *testing.T) {
	var buf bytes.Buffer
	for i, body := range []string{"one", "two", "three"} {
		if err := Encode(&buf, &Header{MsgType: MsgTypeMessage, Seq: uint32(i)}, []byte(body)); err != nil {
			t.Fatal(err)
		}
	}

	for i, want := range []string{"one", "two", "three"} {
		h, body, err := Decode(&buf)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if h.Seq != uint32(i) || string(body) != want {
			t.Fatalf("frame %d: got seq=%d body=%q", i, h.Seq, body)
		}
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{0x00, 0x00, 0x00, Version, byte(MsgTypeMessage), 0x00, 0x00, 0x00, 0x30, 0x39, 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("Expected error for invalid magic number, but got nil")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("invalid magic number")) {
		t.Errorf("Error message should contain 'invalid magic', instead: %v", err)
	}
}

func TestDecodeHeartbeat(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: MsgTypeHeartbeat}, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.MsgType != MsgTypeHeartbeat {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, MsgTypeHeartbeat)
	}
	if len(decodedBody) != 0 {
		t.Errorf("Expected empty body, got length %d", len(decodedBody))
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{
		MagicNumber, MagicByte2, MagicByte3,
		0xFF, // bad version
		byte(MsgTypeMessage),
		0,
		0, 0, 0, 1,
		0, 0, 0, 0,
	})

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("expected an error for a bad version")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("unsupported version")) {
		t.Errorf("error should mention 'unsupported version', got: %v", err)
	}
}

func TestDecodeRejectsOversizedBody(t *testing.T) {
	frame := []byte{MagicNumber, MagicByte2, MagicByte3, Version, byte(MsgTypeMessage), 0, 0, 0, 0, 1, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(frame[10:14], MaxBodyLen+1)

	_, _, err := Decode(bytes.NewReader(frame))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expect ErrFrameTooLarge, got %v", err)
	}

	if err := Encode(&bytes.Buffer{}, &Header{}, make([]byte, MaxBodyLen+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expect ErrFrameTooLarge on encode, got %v", err)
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	if err := Encode(&buf, &Header{MsgType: MsgTypeMessage, Seq: 999}, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body mismatch")
	}
}
