package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEncodeAndParseFrame(t *testing.T) {
	payload := []byte("hello")
	frame, err := EncodeFrame(payload, MsgLatency, 0x1234, 64)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if frame.Cap() != 64 {
		t.Errorf("Cap = %d, want 64", frame.Cap())
	}

	raw := frame.Bytes()
	if len(raw) != HeaderSize+len(payload) {
		t.Fatalf("frame length = %d", len(raw))
	}

	h, err := ParseHeader(raw)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Length != uint16(len(raw)) || h.Correlation != 0x1234 || h.Type != MsgLatency {
		t.Errorf("header = %+v", h)
	}
	if !bytes.Equal(raw[HeaderSize:], payload) {
		t.Errorf("payload = %q", raw[HeaderSize:])
	}
}

func TestParseHeaderRejectsMalformedFrames(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"empty", nil, ErrShortFrame},
		{"truncated header", []byte{0, 5, 0, 0}, ErrShortFrame},
		{"declared shorter than header", []byte{0, 3, 0, 0, 1}, ErrLengthMismatch},
		{"declared longer", []byte{0, 9, 0, 0, 1, 2}, ErrLengthMismatch},
		{"declared shorter than received", []byte{0, 5, 0, 0, 1, 2}, ErrLengthMismatch},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseHeader(tc.raw); !errors.Is(err, tc.want) {
				t.Errorf("ParseHeader error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestEncodeFrameTooLarge(t *testing.T) {
	_, err := EncodeFrame(make([]byte, MaxPayloadSize+1), MsgCustom, 0, 0)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("error = %v, want ErrFrameTooLarge", err)
	}
	if _, err := EncodeFrame(make([]byte, MaxPayloadSize), MsgCustom, 0, 0); err != nil {
		t.Fatalf("largest payload should encode: %v", err)
	}
}

func TestReadFrameSplitsStream(t *testing.T) {
	a, _ := EncodeFrame([]byte{1, 2, 3}, MsgCustom, 1, 0)
	b, _ := EncodeFrame(nil, MsgLatency, 2, 0)

	var stream bytes.Buffer
	if err := WriteFrame(&stream, a.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(&stream, b.Bytes()); err != nil {
		t.Fatal(err)
	}

	first, err := ReadFrame(&stream, 1024)
	if err != nil {
		t.Fatalf("first ReadFrame: %v", err)
	}
	if !bytes.Equal(first, a.Bytes()) {
		t.Errorf("first frame = % X", first)
	}
	second, err := ReadFrame(&stream, 1024)
	if err != nil {
		t.Fatalf("second ReadFrame: %v", err)
	}
	if !bytes.Equal(second, b.Bytes()) {
		t.Errorf("second frame = % X", second)
	}
	if _, err := ReadFrame(&stream, 1024); !errors.Is(err, io.EOF) {
		t.Errorf("third ReadFrame error = %v, want EOF", err)
	}
}

func TestReadFrameLimits(t *testing.T) {
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 2, 0}), 1024); !errors.Is(err, ErrShortFrame) {
		t.Errorf("error = %v, want ErrShortFrame", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0x08, 0x00}), 1024); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("error = %v, want ErrFrameTooLarge", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 8, 0, 0, 1}), 1024); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("error = %v, want ErrUnexpectedEOF", err)
	}
}

func TestMessageTypeString(t *testing.T) {
	if MsgFragmentEnd.String() != "fragment_end" {
		t.Errorf("String = %q", MsgFragmentEnd.String())
	}
	if MessageType(0x7A).String() != "0x7A" {
		t.Errorf("unknown String = %q", MessageType(0x7A).String())
	}
}
