package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"n3ncore/internal/metrics"
	"n3ncore/internal/netaddr"
	"n3ncore/internal/peer"
	"n3ncore/internal/pprofutil"
	"n3ncore/internal/reactor"
	"n3ncore/internal/resolver"
	"n3ncore/internal/tracelog"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runSupernode(args[1:], stdout, stderr)
	case "dump":
		return runDump(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: n3ncore <run|dump> [args]")
	fmt.Fprintln(w, "  run   --mgmt-unix <path> [--mgmt-port 0] [--debug]")
	fmt.Fprintln(w, "  dump")
}

// stringList implements flag.Value to collect a repeatable flag into a
// slice, e.g. --supernode a:1 --supernode b:2.
type stringList []string

func (s *stringList) String() string { return fmt.Sprint(*s) }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".n3ncore")
}

// runSupernode starts the reactor's management surface and a background
// resolver over the configured --supernode targets, blocking until SIGINT
// or SIGTERM arrives.
func runSupernode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	mgmtUnix := fs.String("mgmt-unix", filepath.Join(homeDir(), "mgmt.sock"), "management unix socket path")
	mgmtPort := fs.Int("mgmt-port", 0, "management TCP port (0 disables)")
	debug := fs.Bool("debug", false, "enable debug logging")
	var supernodes stringList
	fs.Var(&supernodes, "supernode", "supernode host:port to resolve and register (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("N3N_DEBUG", "1")
	}

	if err := os.MkdirAll(homeDir(), 0700); err != nil {
		fmt.Fprintf(stderr, "mkdir home: %v\n", err)
		return 1
	}

	m := metrics.New()
	tracelog.SetMetrics(m)
	registry := peer.New(m)

	stopPprof, err := pprofutil.StartFromEnv(stderr, m)
	if err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}
	defer stopPprof()

	pool := reactor.NewPool(reactor.SlotCount(), reactor.RequestMax(), reactor.IdleTimeout(), m)
	defer pool.Close()

	if err := pool.ListenUnix(*mgmtUnix, 0600, -1, -1); err != nil {
		fmt.Fprintf(stderr, "listen unix: %v\n", err)
		return 1
	}
	if *mgmtPort > 0 {
		if err := pool.ListenTCP(*mgmtPort, false); err != nil {
			fmt.Fprintf(stderr, "listen tcp: %v\n", err)
			return 1
		}
	}

	targets, _, err := addTargetsFromSpecs(supernodes)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	res := resolver.Create(targets, m)
	defer res.Cancel()

	// The reactor's own management surface carries only metrics, status and dump;
	// pprof (when enabled) runs on its own loopback listener started above.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "n3ncore\nslots: %d/%d\npeers: %d\n", pool.NrOpen(), pool.NrSlots(), registry.Len())
	})
	mux.HandleFunc("/dump", func(w http.ResponseWriter, r *http.Request) {
		pool.Dump(w)
		fmt.Fprintln(w, "--- resolver ---")
		res.Dump(w)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	fmt.Fprintf(stdout, "READY mgmt=%s\n", *mgmtUnix)
	tracelog.Debugf("n3ncore: management surface on %s", *mgmtUnix)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			fmt.Fprintln(stderr, "caught interrupt, shutting down")
			return 0
		case <-ticker.C:
			pool.CloseIdle()
			res.Check(false)
			if err := m.WriteSnapshot(filepath.Join(homeDir(), "metrics.json")); err != nil {
				tracelog.Debugf("n3ncore: write snapshot: %v", err)
			}
		default:
			nrReady, err := pool.Step(100 * time.Millisecond)
			if err != nil {
				tracelog.Debugf("n3ncore: step: %v", err)
				continue
			}
			for i := 0; i < nrReady; i++ {
				_, idx := pool.Ready()
				if idx == -1 {
					break
				}
				if err := reactor.ServeHTTP(pool, idx, mux); err != nil {
					tracelog.Debugf("n3ncore: serve: %v", err)
				}
			}
		}
	}
}

func runDump(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	pool := reactor.NewPool(reactor.SlotCount(), reactor.RequestMax(), reactor.IdleTimeout(), nil)
	defer pool.Close()
	pool.Dump(stdout)
	return 0
}

// addTargetsFromSpecs validates a list of "host:port" supernode specs and
// builds one resolver target per spec, each backed by its own socket
// slot. The registry entry for a configured supernode is created lazily by
// AddOrFind once a packet bearing its MAC is actually seen (§4.2); until
// then the resolver keeps its staged address here rather than forcing a
// placeholder peer into the registry under an ambiguous all-zero socket.
func addTargetsFromSpecs(specs []string) ([]resolver.Target, []*netaddr.Sock, error) {
	targets := make([]resolver.Target, 0, len(specs))
	socks := make([]*netaddr.Sock, 0, len(specs))
	for _, spec := range specs {
		if _, err := netaddr.ParseSupernodeSpec(spec); err != nil {
			return nil, nil, fmt.Errorf("parse supernode spec %q: %w", spec, err)
		}
		sock := new(netaddr.Sock)
		targets = append(targets, resolver.Target{Hostname: spec, BackRef: sock})
		socks = append(socks, sock)
	}
	return targets, socks, nil
}
