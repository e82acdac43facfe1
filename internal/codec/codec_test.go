package codec

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

type pipeRW struct {
	in  io.Reader
	out bytes.Buffer
}

func (p *pipeRW) Read(b []byte) (int, error)  { return p.in.Read(b) }
func (p *pipeRW) Write(b []byte) (int, error) { return p.out.Write(b) }

func newRW(r io.Reader) *pipeRW { return &pipeRW{in: r} }

func TestDelimitedRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("x"),
		[]byte("RIFF....WAVEfmt "),
		bytes.Repeat([]byte{0x01, 0x02, 0x03}, 2000),
		[]byte("question? exclaim! but never both"),
	}

	for _, payload := range payloads {
		rw := newRW(bytes.NewReader(EncodeDelimitedUpload(payload)))
		got, err := NewDelimited(rw, Options{}).ReadUpload()
		if err != nil {
			t.Fatalf("ReadUpload(%d bytes): %v", len(payload), err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("round trip mismatch: got %d bytes want %d", len(got), len(payload))
		}
	}
}

func TestDelimitedTerminatorSplitAcrossReads(t *testing.T) {
	rw := newRW(iotest.OneByteReader(bytes.NewReader([]byte("hello?!"))))
	got, err := NewDelimited(rw, Options{}).ReadUpload()
	if err != nil {
		t.Fatalf("ReadUpload: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
}

func TestDelimitedLegacyAck(t *testing.T) {
	rw := newRW(iotest.OneByteReader(bytes.NewReader([]byte("ab?!"))))
	if _, err := NewDelimited(rw, Options{LegacyAck: true}).ReadUpload(); err != nil {
		t.Fatalf("ReadUpload: %v", err)
	}
	if got := rw.out.String(); got != "sbsbsbsb" {
		t.Fatalf("expected one ack per chunk, got %q", got)
	}
}

func TestDelimitedEOF(t *testing.T) {
	_, err := NewDelimited(newRW(strings.NewReader("")), Options{}).ReadUpload()
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}

	_, err = NewDelimited(newRW(strings.NewReader("partial")), Options{}).ReadUpload()
	if !IsFramingError(err) {
		t.Fatalf("expected FramingError, got %v", err)
	}
}

func TestDelimitedOversize(t *testing.T) {
	rw := newRW(bytes.NewReader(bytes.Repeat([]byte("a"), 4096)))
	_, err := NewDelimited(rw, Options{MaxFrameBytes: 1024}).ReadUpload()
	if !IsFramingError(err) {
		t.Fatalf("expected FramingError, got %v", err)
	}
}

func TestDelimitedWrites(t *testing.T) {
	rw := newRW(strings.NewReader(""))
	d := NewDelimited(rw, Options{})
	if err := d.WritePersona("character_paimon"); err != nil {
		t.Fatalf("WritePersona: %v", err)
	}
	if err := d.WriteClip([]byte("AUDIO"), 2); err != nil {
		t.Fatalf("WriteClip: %v", err)
	}
	if err := d.WriteEndOfTurn(); err != nil {
		t.Fatalf("WriteEndOfTurn: %v", err)
	}
	if got := rw.out.String(); got != "character_paimonAUDIO?!2stream_finished" {
		t.Fatalf("unexpected wire bytes %q", got)
	}
}

func TestEncodeOutgoingSentiment(t *testing.T) {
	cases := map[int]string{-2: "-2", -1: "-1", 0: "0", 1: "1", 2: "2", 10: "10"}
	for score, suffix := range cases {
		out := EncodeOutgoing([]byte("AUDIO"), score)
		want := "AUDIO?!" + suffix
		if string(out) != want {
			t.Fatalf("EncodeOutgoing(%d) = %q, want %q", score, out, want)
		}

		audio, got, err := DecodeOutgoing(out)
		if err != nil {
			t.Fatalf("DecodeOutgoing: %v", err)
		}
		if string(audio) != "AUDIO" || got != score {
			t.Fatalf("DecodeOutgoing = (%q, %d)", audio, got)
		}
	}
}

func TestLengthRoundTrip(t *testing.T) {
	var wire bytes.Buffer
	for _, payload := range [][]byte{{}, []byte("a?!b"), bytes.Repeat([]byte{0xff}, 70000)} {
		wire.Reset()
		if err := WriteFrame(&wire, KindUpload, payload); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		got, err := NewLength(newRW(&wire), Options{}).ReadUpload()
		if err != nil {
			t.Fatalf("ReadUpload: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("round trip mismatch for %d bytes", len(payload))
		}
	}
}

func TestLengthWritesFrames(t *testing.T) {
	rw := newRW(strings.NewReader(""))
	l := NewLength(rw, Options{})
	if err := l.WritePersona("character_yunfei"); err != nil {
		t.Fatalf("WritePersona: %v", err)
	}
	if err := l.WriteClip([]byte("PCM"), -1); err != nil {
		t.Fatalf("WriteClip: %v", err)
	}
	if err := l.WriteEndOfTurn(); err != nil {
		t.Fatalf("WriteEndOfTurn: %v", err)
	}

	expect := []struct {
		kind    Kind
		payload string
	}{
		{KindPersona, "character_yunfei"},
		{KindClip, "PCM?!-1"},
		{KindEndOfTurn, EndOfTurn},
	}
	for _, want := range expect {
		kind, payload, err := ReadFrame(&rw.out, 0)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if kind != want.kind || string(payload) != want.payload {
			t.Fatalf("got (%s, %q), want (%s, %q)", kind, payload, want.kind, want.payload)
		}
	}
	if _, _, err := ReadFrame(&rw.out, 0); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed after last frame, got %v", err)
	}
}

func TestLengthFramingErrors(t *testing.T) {
	cases := map[string][]byte{
		"truncated header":  {0x02, 0x00},
		"unknown kind":      {0x09, 0, 0, 0, 0},
		"oversize":          {0x02, 0, 0, 0x10, 0},
		"truncated payload": {0x02, 0, 0, 0, 4, 'a', 'b'},
		"wrong kind":        {0x03, 0, 0, 0, 1, 'a'},
	}
	for name, wire := range cases {
		_, err := NewLength(newRW(bytes.NewReader(wire)), Options{MaxFrameBytes: 1024}).ReadUpload()
		if !IsFramingError(err) {
			t.Fatalf("%s: expected FramingError, got %v", name, err)
		}
	}
}

func TestParseFraming(t *testing.T) {
	if f, err := ParseFraming(""); err != nil || f != FramingLength {
		t.Fatalf("default framing = %q, %v", f, err)
	}
	if f, err := ParseFraming("Delimited"); err != nil || f != FramingDelimited {
		t.Fatalf("delimited framing = %q, %v", f, err)
	}
	if _, err := ParseFraming("xml"); err == nil {
		t.Fatalf("expected error for unknown framing")
	}
}
