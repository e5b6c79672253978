// dispatch.go maps a parsed proto.Request onto the store's item
// operations and fills in a proto.Response, implementing the error
// taxonomy of §7 (OVERSIZED → CLIENT_ERROR, ENOMEM → SERVER_ERROR,
// conditional-store outcomes → status lines).
//
// © 2025 twemcached authors. MIT License.
package engine

import (
	"errors"

	"go.uber.org/zap"

	"github.com/Voskan/twemcached/internal/proto"
	"github.com/Voskan/twemcached/internal/slab"
	"github.com/Voskan/twemcached/internal/store"
)

// Dispatch executes req against the store and fills resp. It has no
// error return: every outcome (not-found, not-stored, oversized, out of
// memory, unknown verb, ...) is encoded in resp per §7.
func (e *Engine) Dispatch(req *proto.Request, resp *proto.Response) {
	switch req.Verb {
	case proto.VerbGet, proto.VerbGets:
		e.dispatchGet(req, resp)
	case proto.VerbSet:
		e.dispatchStore(req, resp, func() error {
			return e.Store.Set(req.Key, req.Value, req.Flag, req.ExpireAt)
		})
	case proto.VerbAdd:
		e.dispatchStore(req, resp, func() error {
			return e.Store.Add(req.Key, req.Value, req.Flag, req.ExpireAt)
		})
	case proto.VerbReplace:
		e.dispatchStore(req, resp, func() error {
			return e.Store.Replace(req.Key, req.Value, req.Flag, req.ExpireAt)
		})
	case proto.VerbCas:
		e.dispatchStore(req, resp, func() error {
			return e.Store.Cas(req.Key, req.Value, req.Flag, req.ExpireAt, req.CAS)
		})
	case proto.VerbAppend:
		e.dispatchStore(req, resp, func() error {
			return e.Store.Annex(req.Key, req.Value, true)
		})
	case proto.VerbPrepend:
		e.dispatchStore(req, resp, func() error {
			return e.Store.Annex(req.Key, req.Value, false)
		})
	case proto.VerbDelete:
		e.dispatchDelete(req, resp)
	case proto.VerbIncr:
		e.dispatchIncrDecr(req, resp, false)
	case proto.VerbDecr:
		e.dispatchIncrDecr(req, resp, true)
	case proto.VerbFlushAll:
		e.Store.Flush()
		resp.Status = proto.StatusOK
	default:
		resp.Status = proto.StatusError
		resp.ErrMsg = "ERROR"
	}
}

func (e *Engine) dispatchGet(req *proto.Request, resp *proto.Response) {
	resp.IsArray = true
	keys := req.Keys
	if len(keys) == 0 && len(req.Key) > 0 {
		keys = [][]byte{req.Key}
	}
	for _, k := range keys {
		v, ok := e.Store.Get(k)
		if !ok {
			if val, promoted := e.lookupL2(k); promoted {
				e.stats.incHit()
				resp.Values = append(resp.Values, proto.FoundValue{Key: k, Value: val})
				continue
			}
			e.stats.incMiss()
			continue
		}
		e.stats.incHit()
		cas := v.CAS
		if req.Verb == proto.VerbGet {
			cas = 0 // plain `get` omits the cas field; only `gets` reports it
		}
		resp.Values = append(resp.Values, proto.FoundValue{
			Key:   k,
			Value: v.Data,
			Flag:  v.Flag,
			CAS:   cas,
		})
	}
}

// lookupL2 consults the optional overflow tier on a store miss. Concurrent
// misses on the same key are coalesced through a singleflight.Group so a
// burst of requests for a just-evicted key costs one L2 read, not N.
// A hit is promoted back into the hot tier with a fresh flag/CAS (the L2
// tier only persists raw bytes, not the original flag, per internal/l2's
// EjectCallback signature).
func (e *Engine) lookupL2(key []byte) ([]byte, bool) {
	if e.l2 == nil {
		return nil, false
	}
	v, err, _ := e.l2Group.Do(string(key), func() (any, error) {
		val, ok := e.l2(key)
		if !ok {
			return nil, errL2Miss
		}
		if err := e.Store.Set(key, val, 0, 0); err != nil {
			e.logger.Warn("l2 promotion failed", zap.Error(err), zap.ByteString("key", key))
		}
		return val, nil
	})
	if err != nil {
		return nil, false
	}
	return v.([]byte), true
}

var errL2Miss = errors.New("engine: l2 miss")

func (e *Engine) dispatchStore(req *proto.Request, resp *proto.Response, op func() error) {
	err := op()
	switch {
	case err == nil:
		e.stats.incStored()
		resp.Status = proto.StatusStored
	case errors.Is(err, store.ErrNotStored):
		resp.Status = proto.StatusNotStored
	case errors.Is(err, store.ErrExists):
		resp.Status = proto.StatusExists
	case errors.Is(err, store.ErrNotFound):
		resp.Status = proto.StatusNotFound
	case errors.Is(err, slab.ErrOversized):
		e.stats.incClientError()
		resp.Status = proto.StatusError
		resp.ErrMsg = "CLIENT_ERROR object too large for cache"
	case errors.Is(err, slab.ErrOutOfMemory):
		e.stats.incServerError()
		resp.Status = proto.StatusError
		resp.ErrMsg = "SERVER_ERROR out of memory"
	default:
		e.stats.incServerError()
		resp.Status = proto.StatusError
		resp.ErrMsg = "SERVER_ERROR " + err.Error()
		e.logger.Error("store operation failed", zap.Error(err), zap.ByteString("key", req.Key))
	}
}

func (e *Engine) dispatchDelete(req *proto.Request, resp *proto.Response) {
	if e.Store.Delete(req.Key) {
		resp.Status = proto.StatusDeleted
		return
	}
	resp.Status = proto.StatusNotFound
}

func (e *Engine) dispatchIncrDecr(req *proto.Request, resp *proto.Response, decr bool) {
	n, err := e.Store.IncrDecr(req.Key, req.Delta, decr)
	switch {
	case err == nil:
		resp.IsNum = true
		resp.Number = n
	case errors.Is(err, store.ErrNotFound):
		resp.Status = proto.StatusNotFound
	case errors.Is(err, store.ErrNotNumeric):
		e.stats.incClientError()
		resp.Status = proto.StatusError
		resp.ErrMsg = "CLIENT_ERROR cannot increment or decrement non-numeric value"
	default:
		e.stats.incServerError()
		resp.Status = proto.StatusError
		resp.ErrMsg = "SERVER_ERROR " + err.Error()
	}
}
