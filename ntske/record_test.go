package ntske

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	cases := []Record{
		{Critical: true, Type: RecEndOfMessage},
		{Critical: true, Type: RecNextProtocol, Body: uint16Body(NextProtoNTPv4)},
		{Critical: false, Type: RecAEADAlgorithm, Body: uint16Body(15, 17)},
		{Critical: false, Type: RecNewCookie, Body: bytes.Repeat([]byte{0xab}, 104)},
		{Critical: true, Type: RecServer, Body: []byte("time.example.net")},
	}

	var buf bytes.Buffer
	for _, rec := range cases {
		if err := WriteRecord(&buf, rec); err != nil {
			t.Fatalf("WriteRecord failed: %v", err)
		}
	}
	for i, want := range cases {
		got, err := ReadRecord(&buf)
		if err != nil {
			t.Fatalf("ReadRecord %d failed: %v", i, err)
		}
		if got.Critical != want.Critical || got.Type != want.Type || !bytes.Equal(got.Body, want.Body) {
			t.Errorf("record %d: got %+v, want %+v", i, got, want)
		}
	}
	if buf.Len() != 0 {
		t.Errorf("%d bytes left over", buf.Len())
	}
}

func TestReadRecordTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRecord(&buf, Record{Type: RecNewCookie, Body: make([]byte, 100)}); err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}
	short := buf.Bytes()[:buf.Len()-10]

	if _, err := ReadRecord(bytes.NewReader(short)); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("got %v, want unexpected EOF", err)
	}
}

func TestWriteRecordBodyTooLarge(t *testing.T) {
	err := WriteRecord(io.Discard, Record{Type: RecNewCookie, Body: make([]byte, 0x10000)})
	if err == nil {
		t.Error("expected error for oversized body")
	}
}

func TestParseUint16BodyOddLength(t *testing.T) {
	if _, err := parseUint16Body([]byte{0x00, 0x0f, 0x01}); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("got %v, want ErrProtocolViolation", err)
	}
}
