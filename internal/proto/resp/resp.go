// Package resp implements the RESP-style array-of-bulk-strings request
// grammar and the {simple string, error, integer, bulk, array} response
// forms described in §4.4.2 and §6.2.
//
// The Codec shape follows pkg/loaderfunc.go's narrow-interface style
// (see internal/proto); the wire grammar itself is laid out directly
// from the protocol description — no reference example implements RESP,
// so the framing constants and overflow check below are derived from
// the grammar rather than adapted from existing code.
//
// © 2025 twemcached authors. MIT License.
package resp

import (
	"bytes"
	"strconv"

	"github.com/Voskan/twemcached/internal/proto"
)

// MaxBatch bounds the number of keys a single variadic get/mget may
// request, guarding against unbounded allocation from a hostile length
// prefix (§7, PARSE_OTHER: "too many keys").
const MaxBatch = 256

var crlf = []byte("\r\n")

// Codec implements proto.Codec for the RESP-style flavor.
type Codec struct{}

// New returns a ready-to-use RESP codec. It carries no state of its own;
// all per-connection state lives in the proto.Request/Response values
// the caller supplies.
func New() *Codec { return &Codec{} }

// TryParse implements proto.Codec. Parsing re-scans buf from the start
// on every call; this keeps the parser itself stateless and trivially
// satisfies the "same result whether fed whole or byte-at-a-time"
// property (§8 invariant 2), at the cost of rescanning bytes the caller
// has already accumulated in its connection buffer — an acceptable
// tradeoff for line/length-framed protocols per the design note in §9.
func (Codec) TryParse(buf []byte, req *proto.Request) (int, proto.ParseResult) {
	p := parser{buf: buf}
	bulks, n, res := p.readArray()
	if res != proto.ParseOK {
		return 0, res
	}
	if len(bulks) == 0 {
		return 0, proto.ParseInvalid
	}

	verb := bulks[0]
	switch {
	case bytes.EqualFold(verb, []byte("quit")):
		req.Verb = proto.VerbQuit
		return n, ensureArgs(bulks, 1)

	case bytes.EqualFold(verb, []byte("flush")):
		req.Verb = proto.VerbFlushAll
		return n, ensureArgs(bulks, 1)

	case bytes.EqualFold(verb, []byte("get")), bytes.EqualFold(verb, []byte("mget")):
		args := bulks[1:]
		if len(args) == 0 {
			return 0, proto.ParseInvalid
		}
		if len(args) > MaxBatch {
			return 0, proto.ParseOther
		}
		req.Verb = proto.VerbGet
		req.Key = args[0]
		req.Keys = args
		return n, proto.ParseOK

	case bytes.EqualFold(verb, []byte("delete")):
		if len(bulks) != 2 {
			return 0, proto.ParseInvalid
		}
		req.Verb = proto.VerbDelete
		req.Key = bulks[1]
		return n, proto.ParseOK

	case bytes.EqualFold(verb, []byte("set")):
		if len(bulks) != 3 {
			return 0, proto.ParseInvalid
		}
		req.Verb = proto.VerbSet
		req.Key = bulks[1]
		req.Value = bulks[2]
		return n, proto.ParseOK

	case bytes.EqualFold(verb, []byte("incrby")), bytes.EqualFold(verb, []byte("decrby")):
		if len(bulks) != 3 {
			return 0, proto.ParseInvalid
		}
		delta, ok := parseDecimalU64(bulks[2])
		if !ok {
			return 0, proto.ParseInvalid
		}
		if bytes.EqualFold(verb, []byte("incrby")) {
			req.Verb = proto.VerbIncr
		} else {
			req.Verb = proto.VerbDecr
		}
		req.Key = bulks[1]
		req.Delta = delta
		return n, proto.ParseOK

	default:
		return 0, proto.ParseOther
	}
}

func ensureArgs(bulks [][]byte, want int) proto.ParseResult {
	if len(bulks) != want {
		return proto.ParseInvalid
	}
	return proto.ParseOK
}

// parseDecimalU64 parses an unsigned decimal integer, rejecting anything
// that is not all digits and rejecting overflow before it happens by
// bailing out once the accumulator exceeds UINT64_MAX/10 (§4.4.2).
func parseDecimalU64(b []byte) (uint64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	const maxBeforeMul = ^uint64(0) / 10
	var n uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		if n > maxBeforeMul {
			return 0, false
		}
		n *= 10
		d := uint64(c - '0')
		if n > ^uint64(0)-d {
			return 0, false
		}
		n += d
	}
	return n, true
}

// parser walks a byte slice reading the Array/Bulk grammar of §4.4.2. It
// never mutates buf; on any short input it returns ParseUnfinished and
// the caller retries once more bytes are available.
type parser struct {
	buf []byte
	pos int
}

func (p *parser) remaining() []byte { return p.buf[p.pos:] }

// readLine returns the bytes before the next CRLF (exclusive) and
// advances past it, or reports ParseUnfinished if no CRLF has arrived
// yet.
func (p *parser) readLine() ([]byte, bool) {
	idx := bytes.Index(p.remaining(), crlf)
	if idx < 0 {
		return nil, false
	}
	line := p.remaining()[:idx]
	p.pos += idx + len(crlf)
	return line, true
}

func (p *parser) readArray() ([][]byte, int, proto.ParseResult) {
	if len(p.buf) == 0 {
		return nil, 0, proto.ParseUnfinished
	}
	if p.buf[0] != '*' {
		return nil, 0, proto.ParseInvalid
	}
	p.pos = 1
	line, ok := p.readLine()
	if !ok {
		return nil, 0, proto.ParseUnfinished
	}
	count, ok := parseDecimalU64(line)
	if !ok {
		return nil, 0, proto.ParseInvalid
	}
	if count == 0 || count > MaxBatch+1 {
		return nil, 0, proto.ParseOther
	}

	bulks := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		b, res := p.readBulk()
		if res != proto.ParseOK {
			return nil, 0, res
		}
		bulks = append(bulks, b)
	}
	return bulks, p.pos, proto.ParseOK
}

func (p *parser) readBulk() ([]byte, proto.ParseResult) {
	if len(p.remaining()) == 0 {
		return nil, proto.ParseUnfinished
	}
	if p.remaining()[0] != '$' {
		return nil, proto.ParseInvalid
	}
	start := p.pos
	p.pos++
	line, ok := p.readLine()
	if !ok {
		p.pos = start
		return nil, proto.ParseUnfinished
	}
	n, ok := parseDecimalU64(line)
	if !ok {
		return nil, proto.ParseInvalid
	}
	need := int(n) + len(crlf)
	if len(p.remaining()) < need {
		p.pos = start
		return nil, proto.ParseUnfinished
	}
	data := p.remaining()[:n]
	if !bytes.Equal(p.remaining()[n:need], crlf) {
		return nil, proto.ParseInvalid
	}
	p.pos += need
	return data, proto.ParseOK
}

// Encode implements proto.Codec, rendering resp using the five RESP
// reply forms of §6.2.
func (Codec) Encode(dst []byte, resp *proto.Response) []byte {
	if resp.Status == proto.StatusError {
		dst = append(dst, '-')
		dst = append(dst, resp.ErrMsg...)
		return append(dst, crlf...)
	}
	if resp.IsArray {
		dst = appendArrayHeader(dst, len(resp.Values))
		for _, v := range resp.Values {
			dst = appendBulk(dst, v.Value)
		}
		return dst
	}
	if resp.IsNum {
		dst = append(dst, ':')
		dst = strconv.AppendUint(dst, resp.Number, 10)
		return append(dst, crlf...)
	}

	switch resp.Status {
	case proto.StatusStored:
		return appendSimple(dst, "STORED")
	case proto.StatusNotStored:
		return appendSimple(dst, "NOT_STORED")
	case proto.StatusExists:
		return appendSimple(dst, "EXISTS")
	case proto.StatusNotFound:
		return appendSimple(dst, "NOT_FOUND")
	case proto.StatusDeleted:
		return appendSimple(dst, "DELETED")
	case proto.StatusTouched:
		return appendSimple(dst, "TOUCHED")
	default:
		return appendSimple(dst, "OK")
	}
}

func appendSimple(dst []byte, s string) []byte {
	dst = append(dst, '+')
	dst = append(dst, s...)
	return append(dst, crlf...)
}

func appendArrayHeader(dst []byte, n int) []byte {
	dst = append(dst, '*')
	dst = strconv.AppendInt(dst, int64(n), 10)
	return append(dst, crlf...)
}

func appendBulk(dst []byte, b []byte) []byte {
	if b == nil {
		return append(dst, "$-1\r\n"...)
	}
	dst = append(dst, '$')
	dst = strconv.AppendInt(dst, int64(len(b)), 10)
	dst = append(dst, crlf...)
	dst = append(dst, b...)
	return append(dst, crlf...)
}

// EncodeRequest composes req back into the wire grammar, used by
// property tests exercising round-trip invariant 1 and by any future
// client-side use the open question in §9 leaves unresolved.
func EncodeRequest(dst []byte, req *proto.Request) []byte {
	switch req.Verb {
	case proto.VerbQuit:
		return encodeBulks(dst, []byte("quit"))
	case proto.VerbFlushAll:
		return encodeBulks(dst, []byte("flush"))
	case proto.VerbGet:
		parts := make([][]byte, 0, len(req.Keys)+1)
		parts = append(parts, []byte("get"))
		parts = append(parts, req.Keys...)
		return encodeBulks(dst, parts...)
	case proto.VerbDelete:
		return encodeBulks(dst, []byte("delete"), req.Key)
	case proto.VerbSet:
		return encodeBulks(dst, []byte("set"), req.Key, req.Value)
	case proto.VerbIncr:
		return encodeBulks(dst, []byte("incrby"), req.Key, []byte(strconv.FormatUint(req.Delta, 10)))
	case proto.VerbDecr:
		return encodeBulks(dst, []byte("decrby"), req.Key, []byte(strconv.FormatUint(req.Delta, 10)))
	default:
		return dst
	}
}

func encodeBulks(dst []byte, parts ...[]byte) []byte {
	dst = appendArrayHeader(dst, len(parts))
	for _, p := range parts {
		dst = appendBulk(dst, p)
	}
	return dst
}
