// Package server is the non-blocking-per-connection TCP front end the
// this design explicitly places outside the core ("The event loop / TCP
// acceptor, connection state, worker dispatch. The core sees only byte
// buffers and is I/O-agnostic.", §1). It owns sockets and connection
// buffers and drives the core (pkg/engine + internal/proto) with them.
//
// Follows an errgroup-supervised goroutine style for running the accept
// loop and per-connection handlers under one cancellable group.
//
// © 2025 twemcached authors. MIT License.
package server

import (
	"context"
	"errors"
	"io"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Voskan/twemcached/internal/dbuf"
	"github.com/Voskan/twemcached/internal/proto"
	"github.com/Voskan/twemcached/pkg/engine"
)

// Config bundles the per-connection buffer knobs from §6.3
// (buf_init_size, dbuf_max_power) plus the listen address.
type Config struct {
	Addr         string
	BufInitSize  int
	DbufMaxPower uint
}

// Server accepts connections on Addr and dispatches parsed requests to
// the shared Engine using the supplied Codec factory (one per
// connection, since codecs are stateless but the resumable re-scan
// approach in internal/proto/{resp,memcache} needs an isolated Request
// per connection anyway).
type Server struct {
	cfg         Config
	eng         *engine.Engine
	newCodec    func() proto.Codec
	logger      *zap.Logger
	listener    net.Listener
}

// New constructs a Server. newCodec selects the wire protocol — pass
// resp.New or memcache.New (wrapped to satisfy func() proto.Codec).
func New(cfg Config, eng *engine.Engine, newCodec func() proto.Codec, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BufInitSize <= 0 {
		cfg.BufInitSize = 4096
	}
	if cfg.DbufMaxPower == 0 {
		cfg.DbufMaxPower = 10
	}
	return &Server{cfg: cfg, eng: eng, newCodec: newCodec, logger: logger}
}

// ListenAndServe opens the listener and runs the accept loop until ctx
// is cancelled, supervising every connection handler goroutine with an
// errgroup so a single panic-free connection error never takes down the
// others.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("server listening", zap.String("addr", ln.Addr().String()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			return err
		}
		g.Go(func() error {
			s.handleConn(ctx, conn)
			return nil
		})
	}
	return g.Wait()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// handleConn runs the read-parse-dispatch-write loop for one connection
// until EOF, a fatal write error, or a `quit` request (§6.1).
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	codec := s.newCodec()
	rbuf := dbuf.New(s.cfg.BufInitSize, s.cfg.DbufMaxPower)
	wbuf := make([]byte, 0, s.cfg.BufInitSize)

	req, err := s.eng.AcquireRequest()
	if err != nil {
		s.logger.Warn("request pool exhausted", zap.Error(err))
		return
	}
	defer s.eng.ReleaseRequest(req)

	resp, err := s.eng.AcquireResponse()
	if err != nil {
		s.logger.Warn("response pool exhausted", zap.Error(err))
		return
	}
	defer s.eng.ReleaseResponse(resp)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if rbuf.Free() == 0 {
			if err := rbuf.Reserve(len(rbuf.Unread()) + s.cfg.BufInitSize); err != nil {
				s.logger.Error("connection buffer cap exceeded", zap.Error(err))
				return
			}
		}
		n, err := conn.Read(rbuf.WriteArea())
		if n > 0 {
			rbuf.Commit(n)
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("connection read error", zap.Error(err))
			}
			return
		}

		for {
			consumed, result := codec.TryParse(rbuf.Unread(), req)
			switch result {
			case proto.ParseUnfinished:
				goto readMore
			case proto.ParseEmpty:
				rbuf.Advance(consumed)
				continue
			case proto.ParseInvalid:
				wbuf = codec.Encode(wbuf[:0], &proto.Response{
					Status: proto.StatusError,
					ErrMsg: "CLIENT_ERROR bad command line format",
				})
				if _, werr := conn.Write(wbuf); werr != nil {
					return
				}
				return
			case proto.ParseOther:
				wbuf = codec.Encode(wbuf[:0], &proto.Response{
					Status: proto.StatusError,
					ErrMsg: "CLIENT_ERROR too many keys",
				})
				if _, werr := conn.Write(wbuf); werr != nil {
					return
				}
				if consumed == 0 {
					// Nothing was consumed, so the same bytes would parse
					// to ParseOther again; drop the connection instead.
					return
				}
				rbuf.Advance(consumed)
				continue
			}

			rbuf.Advance(consumed)

			if req.Verb == proto.VerbQuit {
				return
			}

			resp.Reset()
			s.eng.Dispatch(req, resp)
			if !req.NoReply {
				wbuf = codec.Encode(wbuf[:0], resp)
				if _, werr := conn.Write(wbuf); werr != nil {
					return
				}
			}
			req.Reset()
		}
	readMore:
		rbuf.Compact()
	}
}
