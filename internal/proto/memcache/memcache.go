// Package memcache implements the memcached-flavored ASCII text protocol
// described in §4.4.3 and the wire grammar of §6.1: a verb line
// optionally followed, for storage commands, by a raw value block of
// exactly `bytes` octets and a trailing CRLF.
//
// Follows the line-oriented verb dispatch style of a real
// memcached-in-Go implementation (other_examples/aa412bcb_skipor-memcached)
// for naming and status-line conventions, and the grammar in §6.1 for
// the exact token order.
//
// © 2025 twemcached authors. MIT License.
package memcache

import (
	"bytes"
	"strconv"

	"github.com/Voskan/twemcached/internal/proto"
)

var crlf = []byte("\r\n")

// Codec implements proto.Codec for the memcached ASCII flavor.
type Codec struct{}

// New returns a ready-to-use memcached-flavor codec.
func New() *Codec { return &Codec{} }

// TryParse implements proto.Codec. Like internal/proto/resp, it
// re-scans buf from the start on every call rather than carrying
// parser-internal state between calls, which keeps the pstate=HDR/VAL
// split of §4.4.5 implicit: a storage command's body requirement is
// just "is there a CRLF-terminated header, and are there then at least
// `bytes`+2 more bytes" — recomputed fresh each time.
func (Codec) TryParse(buf []byte, req *proto.Request) (int, proto.ParseResult) {
	hdrEnd := bytes.Index(buf, crlf)
	if hdrEnd < 0 {
		if len(buf) > maxHeaderLine {
			return 0, proto.ParseInvalid
		}
		return 0, proto.ParseUnfinished
	}
	fields := bytes.Fields(buf[:hdrEnd])
	headerBytes := hdrEnd + len(crlf)
	if len(fields) == 0 {
		return headerBytes, proto.ParseEmpty
	}
	verb := fields[0]

	switch {
	case bytes.Equal(verb, []byte("quit")):
		req.Verb = proto.VerbQuit
		return headerBytes, proto.ParseOK

	case bytes.Equal(verb, []byte("flush_all")):
		req.Verb = proto.VerbFlushAll
		return headerBytes, proto.ParseOK

	case bytes.Equal(verb, []byte("get")), bytes.Equal(verb, []byte("gets")):
		keys := fields[1:]
		if len(keys) == 0 {
			return 0, proto.ParseInvalid
		}
		req.Verb = proto.VerbGet
		if bytes.Equal(verb, []byte("gets")) {
			req.Verb = proto.VerbGets
		}
		req.Key = keys[0]
		req.Keys = keys
		return headerBytes, proto.ParseOK

	case bytes.Equal(verb, []byte("delete")):
		if len(fields) < 2 {
			return 0, proto.ParseInvalid
		}
		req.Verb = proto.VerbDelete
		req.Key = fields[1]
		req.NoReply = hasNoReply(fields[2:])
		return headerBytes, proto.ParseOK

	case bytes.Equal(verb, []byte("incr")), bytes.Equal(verb, []byte("decr")):
		if len(fields) < 3 {
			return 0, proto.ParseInvalid
		}
		delta, err := strconv.ParseUint(string(fields[2]), 10, 64)
		if err != nil {
			return 0, proto.ParseInvalid
		}
		if bytes.Equal(verb, []byte("incr")) {
			req.Verb = proto.VerbIncr
		} else {
			req.Verb = proto.VerbDecr
		}
		req.Key = fields[1]
		req.Delta = delta
		req.NoReply = hasNoReply(fields[3:])
		return headerBytes, proto.ParseOK

	case isStorageVerb(verb):
		return parseStorage(buf, fields, headerBytes, req)

	default:
		return 0, proto.ParseOther
	}
}

// maxHeaderLine bounds how many bytes a single header line may occupy
// before it is rejected outright rather than waiting forever for a
// CRLF that will never arrive (guards against an unbounded line from a
// misbehaving or hostile client).
const maxHeaderLine = 8192

func isStorageVerb(verb []byte) bool {
	switch string(verb) {
	case "set", "add", "replace", "append", "prepend", "cas":
		return true
	}
	return false
}

func hasNoReply(tail [][]byte) bool {
	return len(tail) > 0 && bytes.Equal(tail[len(tail)-1], []byte("noreply"))
}

func storageVerb(verb []byte) proto.Verb {
	switch string(verb) {
	case "set":
		return proto.VerbSet
	case "add":
		return proto.VerbAdd
	case "replace":
		return proto.VerbReplace
	case "append":
		return proto.VerbAppend
	case "prepend":
		return proto.VerbPrepend
	case "cas":
		return proto.VerbCas
	}
	return proto.VerbUnknown
}

// parseStorage handles set/add/replace/append/prepend/cas, all of which
// share the shape `<verb> <key> <flags> <exptime> <bytes> [<cas>]
// [noreply] CRLF <data[bytes]> CRLF` (§6.1). cas carries one extra
// numeric field before the optional noreply.
func parseStorage(buf []byte, fields [][]byte, headerBytes int, req *proto.Request) (int, proto.ParseResult) {
	isCas := string(fields[0]) == "cas"
	minFields := 5
	if isCas {
		minFields = 6
	}
	if len(fields) < minFields {
		return 0, proto.ParseInvalid
	}

	flag, err := strconv.ParseUint(string(fields[2]), 10, 32)
	if err != nil {
		return 0, proto.ParseInvalid
	}
	exptime, err := strconv.ParseInt(string(fields[3]), 10, 64)
	if err != nil {
		return 0, proto.ParseInvalid
	}
	nbytes, err := strconv.ParseUint(string(fields[4]), 10, 32)
	if err != nil {
		return 0, proto.ParseInvalid
	}

	tail := fields[5:]
	var cas uint64
	if isCas {
		cas, err = strconv.ParseUint(string(fields[5]), 10, 64)
		if err != nil {
			return 0, proto.ParseInvalid
		}
		tail = fields[6:]
	}

	bodyStart := headerBytes
	need := bodyStart + int(nbytes) + len(crlf)
	if len(buf) < need {
		return 0, proto.ParseUnfinished
	}
	data := buf[bodyStart : bodyStart+int(nbytes)]
	if !bytes.Equal(buf[bodyStart+int(nbytes):need], crlf) {
		return 0, proto.ParseInvalid
	}

	req.Verb = storageVerb(fields[0])
	req.Key = fields[1]
	req.Flag = uint32(flag)
	req.ExpireAt = exptime
	req.Value = data
	req.CAS = cas
	req.NoReply = hasNoReply(tail)
	return need, proto.ParseOK
}

// Encode implements proto.Codec, rendering resp using the status lines
// and VALUE/END framing of §6.1.
func (Codec) Encode(dst []byte, resp *proto.Response) []byte {
	if resp.IsArray {
		for _, v := range resp.Values {
			dst = append(dst, "VALUE "...)
			dst = append(dst, v.Key...)
			dst = append(dst, ' ')
			dst = strconv.AppendUint(dst, uint64(v.Flag), 10)
			dst = append(dst, ' ')
			dst = strconv.AppendInt(dst, int64(len(v.Value)), 10)
			if v.CAS != 0 {
				dst = append(dst, ' ')
				dst = strconv.AppendUint(dst, v.CAS, 10)
			}
			dst = append(dst, crlf...)
			dst = append(dst, v.Value...)
			dst = append(dst, crlf...)
		}
		return append(dst, "END\r\n"...)
	}
	if resp.IsNum {
		dst = strconv.AppendUint(dst, resp.Number, 10)
		return append(dst, crlf...)
	}
	if resp.Status == proto.StatusError {
		dst = append(dst, resp.ErrMsg...)
		return append(dst, crlf...)
	}

	switch resp.Status {
	case proto.StatusStored:
		return append(dst, "STORED\r\n"...)
	case proto.StatusNotStored:
		return append(dst, "NOT_STORED\r\n"...)
	case proto.StatusExists:
		return append(dst, "EXISTS\r\n"...)
	case proto.StatusNotFound:
		return append(dst, "NOT_FOUND\r\n"...)
	case proto.StatusDeleted:
		return append(dst, "DELETED\r\n"...)
	case proto.StatusTouched:
		return append(dst, "TOUCHED\r\n"...)
	default:
		return append(dst, "OK\r\n"...)
	}
}

// ClientError and ServerError build the two error status lines named in
// §7: errors originating in the codec vs. the storage engine share the
// same wire shape but different prefixes.
func ClientError(dst []byte, msg string) []byte {
	dst = append(dst, "CLIENT_ERROR "...)
	dst = append(dst, msg...)
	return append(dst, crlf...)
}

func ServerError(dst []byte, msg string) []byte {
	dst = append(dst, "SERVER_ERROR "...)
	dst = append(dst, msg...)
	return append(dst, crlf...)
}
