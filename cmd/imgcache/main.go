// Command imgcache loads images through the two-tier cache and exposes
// optional pprof/Prometheus endpoints.
//
// Identifiers come from the command line and from -list (one per line).
// With the network strategy they are URLs; with the local strategy they are
// paths under local.dir.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/jmgilman/go/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/imgcache/jobs"
	"github.com/IvanBrykalov/imgcache/loader"
	"github.com/IvanBrykalov/imgcache/memcache"
	pmet "github.com/IvanBrykalov/imgcache/metrics/prom"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "imgcache:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	// ---- Flags ----
	fl := flag.NewFlagSet("imgcache", flag.ContinueOnError)
	fl.SetOutput(stderr)
	var (
		configPath = fl.String("config", "", "YAML config file")
		strategy   = fl.String("strategy", "", "load strategy: network | local")
		width      = fl.Int("w", 0, "target width in pixels")
		height     = fl.Int("h", 0, "target height in pixels")
		diskDir    = fl.String("disk", "", "disk tier directory (empty = no disk tier)")
		localDir   = fl.String("local", "", "resource directory for the local strategy")
		logLevel   = fl.String("log", "", "log level")
		logJSON    = fl.Bool("json", false, "log as JSON")

		list        = fl.String("list", "", "file with one identifier per line (- = stdin)")
		concurrency = fl.Int("concurrency", runtime.GOMAXPROCS(0), "parallel prefetches")
		views       = fl.Bool("views", false, "load through display targets on an origin loop")
		serve       = fl.Bool("serve", false, "keep serving HTTP endpoints after loading")

		pprofAddr   = fl.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = fl.String("http", "", "serve Prometheus metrics at addr; empty = disabled")
	)
	if err := fl.Parse(args); err != nil {
		return err
	}

	// ---- Config: file, then explicitly set flags ----
	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	fl.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "strategy":
			cfg.Strategy = *strategy
		case "w":
			cfg.Width = *width
		case "h":
			cfg.Height = *height
		case "disk":
			cfg.Disk.Dir = *diskDir
		case "local":
			cfg.Local.Dir = *localDir
		case "log":
			cfg.Log.Level = *logLevel
		case "json":
			if *logJSON {
				cfg.Log.Format = "json"
			}
		case "pprof":
			cfg.HTTP.Pprof = *pprofAddr
		case "http":
			cfg.HTTP.Metrics = *metricsAddr
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := newLogger(&cfg, stderr)

	ids := fl.Args()
	if *list != "" {
		more, err := readList(*list, stdin)
		if err != nil {
			return err
		}
		ids = append(ids, more...)
	}
	if len(ids) == 0 && !*serve {
		fl.Usage()
		return errors.New(errors.CodeInvalidInput, "no identifiers given")
	}

	// ---- pprof server (on DefaultServeMux) ----
	if cfg.HTTP.Pprof != "" {
		go func() {
			log.Info().Str("addr", cfg.HTTP.Pprof).Msg("pprof: serving")
			log.Warn().Err(http.ListenAndServe(cfg.HTTP.Pprof, nil)).Msg("pprof: stopped")
		}()
	}

	// ---- Prometheus metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.HTTP.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.HTTP.Metrics, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info().Str("addr", cfg.HTTP.Metrics).Msg("metrics: serving")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("metrics: stopped")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	// ---- Build tiers ----
	mem := memcache.New(memcache.Options{
		Fraction:      cfg.Memory.Fraction,
		HeapMB:        cfg.Memory.HeapMB,
		CapacityBytes: cfg.MemoryBytes(),
		Metrics:       pmet.New(reg, "imgcache", "memory", nil),
		Logger:        log.With().Str("component", "memcache").Logger(),
	})

	var s loader.Strategy
	switch cfg.Strategy {
	case "network":
		s = loader.NewNetwork(loader.NetworkOptions{
			UserAgent:       cfg.Network.UserAgent,
			Timeout:         cfg.Network.Timeout,
			RateLimit:       rate.Limit(cfg.Network.RateLimit),
			Burst:           cfg.Network.Burst,
			CornerRadiusDIP: cfg.Network.CornerRadius,
			Density:         cfg.Network.Density,
			MaxBodyBytes:    cfg.MaxBodyBytes(),
		})
	case "local":
		s = loader.NewLocal(os.DirFS(cfg.Local.Dir), loader.LocalOptions{
			Raw:     cfg.Local.Raw,
			Workers: cfg.Local.Workers,
		})
	}

	opt := loader.Options{
		Memory:       mem,
		DiskVersion:  cfg.Disk.Version,
		DiskMaxBytes: cfg.DiskBytes(),
		Logger:       log.With().Str("component", "loader").Str("strategy", cfg.Strategy).Logger(),
		Metrics:      pmet.NewLoader(reg, "imgcache", "loader", prometheus.Labels{"strategy": cfg.Strategy}),
	}
	if cfg.Disk.Dir != "" {
		opt.DiskFS = osfs.New(cfg.Disk.Dir)
	}
	var (
		looper  *jobs.Looper
		fetches *fetchLog
	)
	if *views {
		looper = jobs.NewLooper()
		opt.Origin = looper
		fetches = &fetchLog{Strategy: s}
		s = fetches
	}
	l := loader.New(s, opt)
	defer func() { _ = l.Release(false) }()

	// ---- Load ----
	start := time.Now()
	var rep *report
	if looper != nil {
		rep = loadViews(ctx, l, looper, fetches, ids, cfg.Width, cfg.Height, stdout)
	} else {
		rep = prefetch(ctx, l, ids, cfg.Width, cfg.Height, *concurrency, log, stdout)
	}
	elapsed := time.Since(start)

	// ---- Report ----
	st := l.Stats()
	fmt.Fprintf(stdout, "strategy=%s target=%dx%d ids=%d dur=%v\n",
		cfg.Strategy, cfg.Width, cfg.Height, len(ids), elapsed.Round(time.Millisecond))
	fmt.Fprintf(stdout, "loaded=%d absent=%d uncached=%d failed=%d\n",
		rep.loaded, rep.absent, rep.uncached, rep.failed)
	fmt.Fprintf(stdout, "memory=%s/%s entries=%d",
		humanize.IBytes(uint64(st.MemoryBytes)), humanize.IBytes(uint64(mem.Capacity())), st.MemoryEntries)
	if st.DiskEnabled {
		fmt.Fprintf(stdout, " disk=%s", humanize.IBytes(uint64(st.DiskBytes)))
	}
	fmt.Fprintln(stdout)

	if *serve {
		log.Info().Msg("serving until interrupted")
		<-ctx.Done()
	}
	if rep.failed > 0 {
		return errors.Newf(errors.CodeInternal, "%d of %d loads failed", rep.failed, len(ids))
	}
	return nil
}

type report struct {
	mu                               sync.Mutex
	loaded, absent, uncached, failed int
}

func (r *report) add(out io.Writer, status, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch status {
	case "ok":
		r.loaded++
	case "absent":
		r.absent++
	case "uncached":
		r.uncached++
	default:
		r.failed++
	}
	fmt.Fprintf(out, "%-8s %s\n", status, id)
}

// prefetch loads ids concurrently on the calling side of the loader.
func prefetch(ctx context.Context, l *loader.Loader, ids []string, w, h, n int, log zerolog.Logger, out io.Writer) *report {
	rep := &report{}
	g, gctx := errgroup.WithContext(ctx)
	if n > 0 {
		g.SetLimit(n)
	}
	for _, id := range ids {
		g.Go(func() error {
			_, err := l.Prefetch(gctx, id, w, h)
			switch {
			case err == nil:
				rep.add(out, "ok", id)
			case errors.Is(err, loader.ErrNotFound):
				rep.add(out, "absent", id)
			case errors.Is(err, loader.ErrNotCached):
				rep.add(out, "uncached", id)
			default:
				log.Warn().Err(err).Str("id", id).Msg("prefetch failed")
				rep.add(out, "failed", id)
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

// loadViews requests every id into its own view and services callbacks on
// the calling goroutine until no job is left. A view left without a resource
// is absent only if its source reported nothing for the id; otherwise the
// load failed.
func loadViews(ctx context.Context, l *loader.Loader, looper *jobs.Looper, fetches *fetchLog, ids []string, w, h int, out io.Writer) *report {
	vs := make([]*loader.View, len(ids))
	for i, id := range ids {
		vs[i] = loader.NewView(w, h)
		l.Request(vs[i], id)
	}

	go func() {
		t := time.NewTicker(5 * time.Millisecond)
		defer t.Stop()
		for l.Stats().InFlight > 0 {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
		looper.Stop()
	}()
	_ = looper.Loop(ctx)

	rep := &report{}
	for i, v := range vs {
		switch {
		case v.Resource() != nil:
			rep.add(out, "ok", ids[i])
		case fetches.absent(ids[i]):
			rep.add(out, "absent", ids[i])
		default:
			rep.add(out, "failed", ids[i])
		}
	}
	return rep
}

// fetchLog wraps a Strategy and remembers which ids the source had nothing
// for. The views path learns outcomes only through its targets, which cannot
// tell an absent image from a failed one.
type fetchLog struct {
	loader.Strategy

	mu    sync.Mutex
	empty map[string]bool
}

func (f *fetchLog) FetchAndDecode(ctx context.Context, id string, w, h int) (*loader.Fetched, error) {
	res, err := f.Strategy.FetchAndDecode(ctx, id, w, h)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.empty == nil {
		f.empty = make(map[string]bool)
	}
	f.empty[id] = err == nil && (res == nil || res.Payload == nil)
	return res, err
}

func (f *fetchLog) absent(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.empty[id]
}

// readList reads identifiers, one per line; blank lines and #-comments are
// skipped.
func readList(path string, stdin io.Reader) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeInvalidInput, "open list %s", path)
		}
		defer f.Close()
		r = f
	}
	var ids []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "read list")
	}
	return ids, nil
}
