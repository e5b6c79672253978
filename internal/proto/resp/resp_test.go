package resp

import (
	"bytes"
	"testing"

	"github.com/Voskan/twemcached/internal/proto"
)

// S1: QUIT round-trip.
func TestQuitRoundTrip(t *testing.T) {
	req := &proto.Request{Verb: proto.VerbQuit}
	wire := EncodeRequest(nil, req)
	if string(wire) != "*1\r\n$4\r\nquit\r\n" {
		t.Fatalf("EncodeRequest(quit) = %q", wire)
	}

	var got proto.Request
	c := New()
	n, res := c.TryParse(wire, &got)
	if res != proto.ParseOK {
		t.Fatalf("TryParse result = %v, want ParseOK", res)
	}
	if n != len(wire) {
		t.Fatalf("consumed = %d, want %d", n, len(wire))
	}
	if got.Verb != proto.VerbQuit {
		t.Fatalf("Verb = %v, want VerbQuit", got.Verb)
	}
}

// S2: GET round-trip.
func TestGetRoundTrip(t *testing.T) {
	req := &proto.Request{Verb: proto.VerbGet, Keys: [][]byte{[]byte("foo")}}
	wire := EncodeRequest(nil, req)
	if string(wire) != "*2\r\n$3\r\nget\r\n$3\r\nfoo\r\n" {
		t.Fatalf("EncodeRequest(get foo) = %q", wire)
	}

	var got proto.Request
	c := New()
	_, res := c.TryParse(wire, &got)
	if res != proto.ParseOK {
		t.Fatalf("TryParse result = %v, want ParseOK", res)
	}
	if len(got.Keys) != 1 || string(got.Keys[0]) != "foo" {
		t.Fatalf("Keys = %v, want [foo]", got.Keys)
	}
}

// S4: INCRBY round-trip with delta 909.
func TestIncrbyRoundTrip(t *testing.T) {
	req := &proto.Request{Verb: proto.VerbIncr, Key: []byte("foo"), Delta: 909}
	wire := EncodeRequest(nil, req)
	if string(wire) != "*3\r\n$6\r\nincrby\r\n$3\r\nfoo\r\n$3\r\n909\r\n" {
		t.Fatalf("EncodeRequest(incrby) = %q", wire)
	}

	var got proto.Request
	c := New()
	_, res := c.TryParse(wire, &got)
	if res != proto.ParseOK {
		t.Fatalf("TryParse result = %v, want ParseOK", res)
	}
	if got.Verb != proto.VerbIncr || got.Delta != 909 || string(got.Key) != "foo" {
		t.Fatalf("got = %+v, want Verb=Incr Key=foo Delta=909", got)
	}
}

// S6: partial parse, fed in two chunks.
func TestPartialParseResumes(t *testing.T) {
	full := []byte("*2\r\n$3\r\nget\r\n$3\r\nfoo\r\n")
	first := full[:len("*2\r\n$3\r\nget")]

	var req proto.Request
	c := New()

	n, res := c.TryParse(first, &req)
	if res != proto.ParseUnfinished {
		t.Fatalf("first TryParse = %v, want ParseUnfinished", res)
	}
	if n != 0 {
		t.Fatalf("first TryParse consumed %d bytes, want 0", n)
	}

	n, res = c.TryParse(full, &req)
	if res != proto.ParseOK {
		t.Fatalf("second TryParse = %v, want ParseOK", res)
	}
	if n != len(full) {
		t.Fatalf("consumed = %d, want %d", n, len(full))
	}
}

// Invariant 2: feeding byte-at-a-time yields the same final result as
// feeding the whole buffer at once, with every intermediate call
// returning UNFIN without having consumed anything.
func TestIncrementalParseByteAtATime(t *testing.T) {
	full := []byte("*3\r\n$3\r\nset\r\n$3\r\nfoo\r\n$3\r\nbar\r\n")
	c := New()

	var req proto.Request
	var res proto.ParseResult
	for i := 1; i <= len(full); i++ {
		var r proto.Request
		n, rr := c.TryParse(full[:i], &r)
		res = rr
		if i < len(full) {
			if rr != proto.ParseUnfinished {
				t.Fatalf("at %d bytes, result = %v, want ParseUnfinished", i, rr)
			}
			if n != 0 {
				t.Fatalf("at %d bytes, consumed = %d, want 0", i, n)
			}
		} else {
			req = r
		}
	}
	if res != proto.ParseOK {
		t.Fatalf("final result = %v, want ParseOK", res)
	}
	if req.Verb != proto.VerbSet || string(req.Key) != "foo" || string(req.Value) != "bar" {
		t.Fatalf("got = %+v", req)
	}
}

// Invariant 1: round-trip codec (modulo canonicalised field order).
func TestRoundTripSet(t *testing.T) {
	req := &proto.Request{Verb: proto.VerbSet, Key: []byte("k"), Value: []byte("v")}
	wire := EncodeRequest(nil, req)

	var got proto.Request
	c := New()
	_, res := c.TryParse(wire, &got)
	if res != proto.ParseOK {
		t.Fatalf("TryParse result = %v, want ParseOK", res)
	}
	if got.Verb != req.Verb || !bytes.Equal(got.Key, req.Key) || !bytes.Equal(got.Value, req.Value) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestTooManyKeysIsOther(t *testing.T) {
	keys := make([][]byte, MaxBatch+1)
	for i := range keys {
		keys[i] = []byte("k")
	}
	req := &proto.Request{Verb: proto.VerbGet, Keys: keys}
	wire := EncodeRequest(nil, req)

	var got proto.Request
	c := New()
	_, res := c.TryParse(wire, &got)
	if res != proto.ParseOther {
		t.Fatalf("TryParse result = %v, want ParseOther", res)
	}
}

func TestInvalidFramingRejected(t *testing.T) {
	var req proto.Request
	c := New()
	if _, res := c.TryParse([]byte("not-resp-at-all\r\n"), &req); res != proto.ParseInvalid {
		t.Fatalf("result = %v, want ParseInvalid", res)
	}
}

func TestEncodeArrayAndErrorForms(t *testing.T) {
	c := New()
	out := c.Encode(nil, &proto.Response{IsArray: true, Values: []proto.FoundValue{
		{Key: []byte("foo"), Value: []byte("bar")},
	}})
	if string(out) != "*1\r\n$3\r\nbar\r\n" {
		t.Fatalf("array encode = %q", out)
	}

	out = c.Encode(nil, &proto.Response{Status: proto.StatusError, ErrMsg: "bad command line format"})
	if string(out) != "-bad command line format\r\n" {
		t.Fatalf("error encode = %q", out)
	}

	out = c.Encode(nil, &proto.Response{IsNum: true, Number: 909})
	if string(out) != ":909\r\n" {
		t.Fatalf("integer encode = %q", out)
	}
}
