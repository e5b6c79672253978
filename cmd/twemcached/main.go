// Command twemcached is the daemon entry point: it wires the storage
// engine (pkg/engine), the wire-protocol front end (internal/server),
// and the admin/metrics HTTP surface (internal/admin) together, per the
// setup → run → teardown lifecycle §9 asks for ("encapsulate them
// in a single owned Engine value held by the main task").
//
// Configuration loading, daemonization, and signal handling are,
// per §1, explicitly outside the core's scope; this file is where
// that ambient wiring lives.
//
// © 2025 twemcached authors. MIT License.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Voskan/twemcached/internal/admin"
	"github.com/Voskan/twemcached/internal/l2"
	"github.com/Voskan/twemcached/internal/proto"
	"github.com/Voskan/twemcached/internal/proto/memcache"
	"github.com/Voskan/twemcached/internal/proto/resp"
	"github.com/Voskan/twemcached/internal/server"
	"github.com/Voskan/twemcached/internal/slab"
	"github.com/Voskan/twemcached/pkg/engine"
)

func main() {
	var (
		addr         = flag.String("addr", ":11311", "wire-protocol listen address")
		adminAddr    = flag.String("admin-addr", ":11312", "admin/metrics HTTP listen address")
		protocolFlag = flag.String("protocol", "memcache", "wire protocol: memcache or resp")
		slabBytes    = flag.Int64("slab-bytes", 1<<20, "bytes per slab")
		maxBytes     = flag.Int64("slab-maxbytes", 512<<20, "cap on total slab memory")
		chunkSize    = flag.Int64("slab-chunk-size", 48, "smallest item footprint; classes grow geometrically from it")
		useCAS       = flag.Bool("slab-use-cas", true, "reserve 8 bytes per item for CAS versioning")
		prealloc     = flag.Bool("slab-prealloc", false, "carve one slab per class at setup")
		hashPower    = flag.Uint("slab-hash-power", 20, "log2 of the hash table's fixed bucket count")
		bufInitSize  = flag.Int("buf-init-size", 4096, "initial per-connection buffer size")
		dbufMaxPower = flag.Uint("dbuf-max-power", 12, "cap on per-connection buffer doubling")
		metricsOn    = flag.Bool("metrics", true, "expose Prometheus metrics at /metrics on admin-addr")
		l2Dir        = flag.String("l2-dir", "", "optional directory for a Badger-backed overflow tier; empty disables it")
		devLog       = flag.Bool("dev-log", false, "use zap's human-readable development logger instead of JSON")
	)
	flag.Parse()

	logger, err := buildLogger(*devLog)
	if err != nil {
		fmt.Fprintln(os.Stderr, "twemcached: logger init:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var reg *prometheus.Registry
	if *metricsOn {
		reg = prometheus.NewRegistry()
	}

	var tier *l2.Tier
	if *l2Dir != "" {
		tier, err = l2.Open(*l2Dir, logger)
		if err != nil {
			logger.Fatal("l2 tier open failed", zap.Error(err))
		}
		defer tier.Close()
	}

	opts := []engine.Option{
		engine.WithSlabConfig(slab.Config{
			SlabBytes: *slabBytes,
			MaxBytes:  *maxBytes,
			ChunkSize: *chunkSize,
			UseCAS:    *useCAS,
			UseFreeQ:  true,
			EvictOpt:  slab.EvictRandom,
			Prealloc:  *prealloc,
		}),
		engine.WithHashPower(*hashPower),
		engine.WithBufferSizes(*bufInitSize, *dbufMaxPower),
		engine.WithLogger(logger),
		engine.WithMetrics(reg),
	}
	if tier != nil {
		opts = append(opts, engine.WithEjectCallback(tier.EjectCallback))
		opts = append(opts, engine.WithL2Lookup(tier.Lookup))
	}

	eng, err := engine.Setup(opts...)
	if err != nil {
		logger.Fatal("engine setup failed", zap.Error(err))
	}
	defer eng.Teardown()

	newCodec, err := codecFactory(*protocolFlag)
	if err != nil {
		logger.Fatal("bad -protocol flag", zap.Error(err))
	}

	srv := server.New(server.Config{
		Addr:         *addr,
		BufInitSize:  *bufInitSize,
		DbufMaxPower: *dbufMaxPower,
	}, eng, newCodec, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutdown signal received")
		cancel()
	}()

	adminSrv := &http.Server{Addr: *adminAddr, Handler: admin.NewMux(eng, reg)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		go func() {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = adminSrv.Shutdown(shutdownCtx)
		}()
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				eng.Tick()
			}
		}
	})

	logger.Info("twemcached started",
		zap.String("addr", *addr),
		zap.String("admin_addr", *adminAddr),
		zap.String("protocol", *protocolFlag),
	)

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func codecFactory(protocol string) (func() proto.Codec, error) {
	switch protocol {
	case "memcache":
		return func() proto.Codec { return memcache.New() }, nil
	case "resp":
		return func() proto.Codec { return resp.New() }, nil
	default:
		return nil, fmt.Errorf("unknown protocol %q (want memcache or resp)", protocol)
	}
}
