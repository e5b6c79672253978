package server

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/Voskan/twemcached/internal/proto"
	"github.com/Voskan/twemcached/internal/proto/memcache"
	"github.com/Voskan/twemcached/internal/slab"
	"github.com/Voskan/twemcached/pkg/engine"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.Setup(
		engine.WithSlabConfig(slab.Config{
			SlabBytes: 4096,
			MaxBytes:  1 << 20,
			ChunkSize: 48,
			UseFreeQ:  true,
			EvictOpt:  slab.EvictRandom,
		}),
		engine.WithHashPower(8),
	)
	if err != nil {
		t.Fatalf("engine.Setup: %v", err)
	}
	return e
}

func TestServerSetGetOverTCP(t *testing.T) {
	eng := newTestEngine(t)
	srv := New(Config{Addr: "127.0.0.1:0"}, eng, func() proto.Codec { return memcache.New() }, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.listener = ln
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(ctx, conn)
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte("set foo 0 0 3\r\nbar\r\n")); err != nil {
		t.Fatalf("write set: %v", err)
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read set reply: %v", err)
	}
	if line != "STORED\r\n" {
		t.Fatalf("set reply = %q, want STORED", line)
	}

	if _, err := conn.Write([]byte("get foo\r\n")); err != nil {
		t.Fatalf("write get: %v", err)
	}
	valueLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read value line: %v", err)
	}
	if valueLine != "VALUE foo 0 3\r\n" {
		t.Fatalf("value line = %q", valueLine)
	}
	data, err := reader.ReadString('\n')
	if err != nil || data != "bar\r\n" {
		t.Fatalf("data line = %q, %v", data, err)
	}
	end, err := reader.ReadString('\n')
	if err != nil || end != "END\r\n" {
		t.Fatalf("end line = %q, %v", end, err)
	}
}
