package speech

import (
	"bytes"
	"strings"
	"testing"
)

func TestPacketRoundTrip(t *testing.T) {
	payload, err := gzipBytes([]byte(`{"result":{"text":"你好"}}`))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}

	cases := []*packet{
		newFullClientRequest([]byte(`{"a":1}`), compressionNone),
		newAudioPacket([]byte{1, 2, 3}, 2, false),
		newAudioPacket([]byte{4}, 7, true),
		{Type: msgFullServerResponse, Flags: flagWithEvent, Serialization: serializationJSON, Event: eventSessionFinished, SessionID: "sess-1", Payload: []byte("{}")},
		{Type: msgFullServerResponse, Flags: flagWithEvent, Serialization: serializationJSON, Event: eventConnectionStarted, ConnectID: "conn-9"},
		{Type: msgFullServerResponse, Flags: flagNegativeSequence, Serialization: serializationJSON, Compression: compressionGzip, Sequence: -3, Payload: payload},
		{Type: msgError, Flags: flagNoSequence, ErrorCode: 45000001, Payload: []byte("bad audio")},
	}

	for i, want := range cases {
		got, err := unmarshalPacket(want.marshal())
		if err != nil {
			t.Fatalf("case %d: unmarshal: %v", i, err)
		}
		if got.Type != want.Type || got.Flags != want.Flags || got.Compression != want.Compression {
			t.Fatalf("case %d: header mismatch: got %+v want %+v", i, got, want)
		}
		if got.Sequence != want.Sequence || got.Event != want.Event || got.SessionID != want.SessionID ||
			got.ConnectID != want.ConnectID || got.ErrorCode != want.ErrorCode {
			t.Fatalf("case %d: metadata mismatch: got %+v want %+v", i, got, want)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("case %d: payload mismatch", i)
		}
	}
}

func TestAudioPacketLastUsesNegativeSequence(t *testing.T) {
	pkt := newAudioPacket([]byte("x"), 5, true)
	if !pkt.last() || pkt.Sequence != -5 {
		t.Fatalf("last packet should carry -5, got %d (last=%v)", pkt.Sequence, pkt.last())
	}

	raw := pkt.marshal()
	if raw[0] != 0x11 || raw[1] != 0x23 || raw[2] != 0x01 {
		t.Fatalf("unexpected header bytes % x", raw[:4])
	}
}

func TestPacketBodyDecompresses(t *testing.T) {
	compressed, err := gzipBytes([]byte("hello"))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	pkt := &packet{Compression: compressionGzip, Payload: compressed}
	body, err := pkt.body()
	if err != nil || string(body) != "hello" {
		t.Fatalf("body = %q, %v", body, err)
	}

	pkt = &packet{Compression: 0x7, Payload: compressed}
	if _, err := pkt.body(); err == nil {
		t.Fatalf("expected error for unknown compression")
	}
}

func TestUnmarshalPacketRejectsBadInput(t *testing.T) {
	good := newFullClientRequest([]byte("payload"), compressionNone).marshal()

	badVersion := append([]byte(nil), good...)
	badVersion[0] = 0x21

	cases := map[string][]byte{
		"short header":      good[:3],
		"bad version":       badVersion,
		"truncated payload": good[:len(good)-2],
	}
	for name, data := range cases {
		if _, err := unmarshalPacket(data); err == nil {
			t.Fatalf("%s: expected error", name)
		} else if name == "bad version" && !strings.Contains(err.Error(), "version") {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
	}
}
