// Command twemcache-inspect is the operator CLI for a running
// twemcached daemon: it polls the admin snapshot endpoint and prints
// either a human-readable summary or raw JSON, optionally on a
// repeating interval.
//
// The target process is expected to expose:
//   - GET /debug/twemcached/snapshot — JSON payload with store/allocator counters.
//
// © 2025 twemcached authors. MIT License.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var version = "dev"

type options struct {
	target   string
	json     bool
	watch    bool
	interval time.Duration
	version  bool
	profile  string
	profOut  string
	profSecs int
}

func parseFlags() *options {
	opts := &options{}
	flag.StringVar(&opts.target, "target", "http://127.0.0.1:11312", "base URL of the twemcached admin surface")
	flag.BoolVar(&opts.json, "json", false, "print raw JSON instead of a human-readable summary")
	flag.BoolVar(&opts.watch, "watch", false, "poll repeatedly instead of a single snapshot")
	flag.DurationVar(&opts.interval, "interval", 2*time.Second, "poll interval when -watch is set")
	flag.BoolVar(&opts.version, "version", false, "print the inspector's own version and exit")
	flag.StringVar(&opts.profile, "profile", "", "download a pprof profile (heap, goroutine, profile) instead of a snapshot")
	flag.StringVar(&opts.profOut, "profile-out", "profile.out", "file to write the downloaded profile to")
	flag.IntVar(&opts.profSecs, "profile-seconds", 30, "sample duration in seconds when -profile=profile (CPU profile)")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()
	if opts.version {
		fmt.Println(version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if opts.profile != "" {
		if err := downloadProfile(ctx, opts); err != nil {
			fatal(err)
		}
		return
	}

	if opts.watch {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		for {
			if err := dumpOnce(ctx, opts); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			select {
			case <-ticker.C:
				continue
			case <-ctx.Done():
				return
			}
		}
	}

	if err := dumpOnce(ctx, opts); err != nil {
		fatal(err)
	}
}

func dumpOnce(ctx context.Context, opts *options) error {
	snap, err := fetchSnapshot(ctx, opts.target)
	if err != nil {
		return err
	}
	if opts.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	return prettyPrint(snap)
}

func fetchSnapshot(ctx context.Context, base string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/debug/twemcached/snapshot", nil)
	if err != nil {
		return nil, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", res.Status)
	}
	var data map[string]any
	if err := json.NewDecoder(res.Body).Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}

func prettyPrint(data map[string]any) error {
	fmt.Printf("Items:      %v\n", data["items"])
	fmt.Printf("UsedBytes:  %.2f MiB\n", toFloat(data["used_bytes"])/1_048_576)
	fmt.Printf("MaxBytes:   %.2f MiB\n", toFloat(data["max_bytes"])/1_048_576)
	fmt.Printf("Hits:       %v\n", data["hits"])
	fmt.Printf("Misses:     %v\n", data["misses"])
	fmt.Printf("Expired:    %v\n", data["expired"])
	fmt.Printf("Evictions:  %v\n", data["evictions"])
	fmt.Printf("Oversized:  %v\n", data["oversized"])
	fmt.Printf("OutOfMemory:%v\n", data["out_of_memory"])
	return nil
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case json.Number:
		f, _ := t.Float64()
		return f
	default:
		return 0
	}
}

// downloadProfile fetches one of the standard pprof endpoints
// internal/admin.NewMux registers under /debug/pprof/ and writes the raw
// profile bytes to opts.profOut.
func downloadProfile(ctx context.Context, opts *options) error {
	url := fmt.Sprintf("%s/debug/pprof/%s", opts.target, opts.profile)
	if opts.profile == "profile" {
		url = fmt.Sprintf("%s?seconds=%d", url, opts.profSecs)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", res.Status)
	}
	out, err := os.Create(opts.profOut)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, res.Body); err != nil {
		return err
	}
	fmt.Printf("wrote %s profile to %s\n", opts.profile, opts.profOut)
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "twemcache-inspect:", err)
	os.Exit(1)
}
