package ntp

import (
	"testing"
	"time"
)

func TestHeaderRoundTrip(t *testing.T) {
	leaps := []LeapIndicator{LeapNone, LeapAddSecond, LeapDelSecond, LeapNotInSync}
	modes := []Mode{ModeSymmetricActive, ModeSymmetricPassive, ModeClient, ModeServer, ModeBroadcast}
	for _, leap := range leaps {
		for version := uint8(1); version <= 7; version++ {
			for _, mode := range modes {
				in := Header{
					Leap:           leap,
					Version:        version,
					Mode:           mode,
					Stratum:        2,
					Poll:           6,
					Precision:      -20,
					RootDelay:      0x00010000,
					RootDispersion: 0x00000a00,
					ReferenceID:    0x7f000001,
					ReferenceTime:  0x1122334455667788,
					OriginTime:     0x0102030405060708,
					ReceiveTime:    0x1112131415161718,
					TransmitTime:   0x2122232425262728,
				}
				out, err := ParseHeader(in.Marshal())
				if err != nil {
					t.Fatalf("ParseHeader failed: %v", err)
				}
				if out != in {
					t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
				}
			}
		}
	}
}

func TestParseHeaderTooShort(t *testing.T) {
	if _, err := ParseHeader(make([]byte, 47)); err == nil {
		t.Error("expected error for short buffer")
	}
}

func TestTimestampConversion(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 30, 45, 123456789, time.UTC)
	ts := TimestampFromTime(now)
	back := ts.Time()
	diff := back.Sub(now)
	if diff < 0 {
		diff = -diff
	}
	if diff > time.Microsecond {
		t.Errorf("timestamp round trip drifted by %v", diff)
	}
}

func TestTimestampMonotoneRounding(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 1, time.UTC)
	ts := TimestampFromTime(now)
	again := TimestampFromTime(ts.Time())
	if again < ts {
		t.Error("repeated conversion decreased the timestamp")
	}
}

func TestIsCryptoNAK(t *testing.T) {
	h := Header{Stratum: 0, ReferenceID: KissNTSN}
	if !h.IsCryptoNAK() {
		t.Error("expected crypto-NAK detection")
	}
	h.Stratum = 2
	if h.IsCryptoNAK() {
		t.Error("stratum 2 packet misdetected as crypto-NAK")
	}
}
