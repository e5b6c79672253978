// Package proto defines the shared request/response vocabulary and the
// incremental parsing contract described in §4.4: both wire
// protocols (internal/proto/memcache and internal/proto/resp) parse into
// the same Request shape and drive the same ParseResult state machine,
// so the dispatch layer in pkg/engine never branches on which protocol
// produced a request.
//
// Codec is a narrow two-method interface (TryParse, Encode) implemented
// by the two concrete wire formats named in §6.1/§6.2.
//
// © 2025 twemcached authors. MIT License.
package proto

// Verb identifies the storage operation a Request carries.
type Verb uint8

const (
	VerbUnknown Verb = iota
	VerbGet
	VerbGets
	VerbSet
	VerbAdd
	VerbReplace
	VerbAppend
	VerbPrepend
	VerbCas
	VerbDelete
	VerbIncr
	VerbDecr
	VerbFlushAll
	VerbQuit
	VerbVersion
	VerbStats
)

// Request is the protocol-neutral decoding of one client command, per
// §4.4 ("the codec's job ends at a fully decoded request/response
// pair; it never touches the store directly").
type Request struct {
	Verb     Verb
	Key      []byte
	Value    []byte
	Flag     uint32
	ExpireAt int64
	CAS      uint64
	Delta    uint64
	NoReply  bool

	// Keys holds every key of a multi-key get/gets request, the first
	// included; Key also holds the first.
	Keys [][]byte
}

// Reset clears r for reuse by a pool (internal/pool).
func (r *Request) Reset() {
	r.Verb = VerbUnknown
	r.Key = r.Key[:0]
	r.Value = r.Value[:0]
	r.Flag = 0
	r.ExpireAt = 0
	r.CAS = 0
	r.Delta = 0
	r.NoReply = false
	r.Keys = r.Keys[:0]
}

// Status enumerates the storage outcomes a codec must be able to render,
// independent of which wire format is in play.
type Status uint8

const (
	StatusStored Status = iota
	StatusNotStored
	StatusExists
	StatusNotFound
	StatusDeleted
	StatusOK
	StatusTouched
	StatusError
)

// Response is the protocol-neutral encoding input: either a status line,
// a numeric reply (incr/decr), or for get/gets an array of zero or more
// values.
type Response struct {
	Status  Status
	IsArray bool // true for get/gets/mget replies, even when Values is empty
	IsNum   bool // true for incr/decr replies; Number holds the result
	Values  []FoundValue
	ErrMsg  string
	Number  uint64
}

// FoundValue is one VALUE line's worth of payload for get/gets.
type FoundValue struct {
	Key   []byte
	Value []byte
	Flag  uint32
	CAS   uint64
}

// Reset clears r for reuse by a pool.
func (r *Response) Reset() {
	r.Status = StatusStored
	r.IsArray = false
	r.IsNum = false
	r.Values = r.Values[:0]
	r.ErrMsg = ""
	r.Number = 0
}

// ParseResult is the outcome of one TryParse call, mirroring the
// resumable decoder contract of §4.4: a parse either produced a
// complete request (OK), needs more bytes (UNFIN), saw a legitimate
// empty line with nothing to do (EMPTY), rejected malformed input
// (INVALID), or hit something the codec recognises but does not handle
// here (OTHER, e.g. a verb reserved for a future extension).
type ParseResult uint8

const (
	ParseOK ParseResult = iota
	ParseUnfinished
	ParseEmpty
	ParseInvalid
	ParseOther
)

// Codec is implemented by internal/proto/memcache and internal/proto/resp.
// TryParse must be resumable: called again with more bytes appended to
// the same buffer after a ParseUnfinished result, it re-scans the buffer
// from the start and returns the same result it would for the whole
// buffer fed at once; no parser state is carried between calls.
type Codec interface {
	// TryParse attempts to decode one request from buf starting at
	// offset 0, filling req. It returns the number of bytes consumed
	// from buf on ParseOK and ParseEmpty, 0 for every other result
	// (nothing is consumed on ParseUnfinished, ParseInvalid or
	// ParseOther), and the result code.
	TryParse(buf []byte, req *Request) (consumed int, result ParseResult)

	// Encode appends the wire form of resp to dst and returns the
	// extended slice.
	Encode(dst []byte, resp *Response) []byte
}
