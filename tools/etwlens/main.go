package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tekert/etwlens/capture"
	"github.com/tekert/etwlens/etw"
)

// keyList lets -e be given several times.
type keyList []etw.EventKey

func (k *keyList) String() string {
	s := make([]string, len(*k))
	for i, key := range *k {
		s[i] = key.String()
	}
	return strings.Join(s, ", ")
}

func (k *keyList) Set(value string) error {
	key, err := etw.ParseEventKey(value)
	if err != nil {
		return err
	}
	*k = append(*k, key)
	return nil
}

// openCapture returns the opener every scan and decode pass reads from.
var openCapture = func(f *capture.File) etw.SourceOpener { return capture.NewOpener(f) }

type options struct {
	capture    string
	config     string
	events     keyList
	list       bool
	sortBy     string
	descending bool
	nested     bool
	maxMatches int
	listen     string
	logLevel   string
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	var opts options
	fs := flag.NewFlagSet("etwlens", flag.ContinueOnError)
	fs.StringVar(&opts.capture, "capture", "", "Path to a JSON capture file.")
	fs.StringVar(&opts.config, "config", "", "Path to a TOML configuration file.")
	fs.Var(&opts.events, "e", "Event to decode as \"{GUID}:id[:version]\". Can be specified multiple times.")
	fs.BoolVar(&opts.list, "list", false, "List the event schemas found in the capture.")
	fs.StringVar(&opts.sortBy, "sort", "provider", "Column to sort the schema list by "+
		"(provider, task, opcode, level, channel, keywords, id, version).")
	fs.BoolVar(&opts.descending, "desc", false, "Sort the schema list in descending order.")
	fs.BoolVar(&opts.nested, "nested", false, "Expand arrays and structs instead of printing placeholders.")
	fs.IntVar(&opts.maxMatches, "max", 0, "Maximum records per event (overrides decoder.max_matches).")
	fs.StringVar(&opts.listen, "metrics", "", "Serve Prometheus metrics on this address (overrides metrics.listen).")
	fs.StringVar(&opts.logLevel, "log", "", "Log level for every component (overrides log.level).")

	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "Usage: etwlens -capture FILE [options]\n\n")
		fmt.Fprintln(out, "Decodes the events of a trace capture into named property values.")
		fmt.Fprintln(out, "\nOptions:")
		fs.PrintDefaults()
		fmt.Fprintln(out, "\nExamples:")
		fmt.Fprintln(out, "  etwlens -capture trace.json -list -sort task")
		fmt.Fprintln(out, "  etwlens -capture trace.json -e \"{22FB2CD6-0E7B-422B-A0C7-2FAD1FD0E716}:1\" -max 10")
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.capture == "" {
		fs.Usage()
		return fmt.Errorf("no capture file given, use -capture")
	}
	col, ok := etw.ParseSortColumn(opts.sortBy)
	if !ok {
		return fmt.Errorf("invalid -sort column %q", opts.sortBy)
	}

	cfg, err := loadConfig(opts.config)
	if err != nil {
		return err
	}
	// Flags that were given win over the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "nested":
			cfg.Decoder.Nested = opts.nested
		case "max":
			cfg.Decoder.MaxMatches = opts.maxMatches
		case "metrics":
			cfg.Metrics.Listen = opts.listen
		case "log":
			cfg.Log.Level = opts.logLevel
		}
	})
	if err := cfg.validate(); err != nil {
		return err
	}
	cfg.applyLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *etw.Metrics
	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		if metrics, err = etw.NewMetrics(reg); err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		srv := serveMetrics(cfg.Metrics.Listen, reg)
		defer srv.Close()
	}

	f, err := capture.Load(opts.capture)
	if err != nil {
		return err
	}
	md, err := f.Metadata()
	if err != nil {
		return fmt.Errorf("capture %s: %w", opts.capture, err)
	}
	opener := openCapture(f)
	cache := etw.NewSchemaCache()

	if opts.list || len(opts.events) == 0 {
		resolver := etw.NewSchemaResolver(md, cache, etw.WithResolverMetrics(metrics))
		listSchemas(ctx, opener, resolver, col, opts.descending, stdout)
	}
	if len(opts.events) == 0 {
		return nil
	}

	// The worker owns its resolver and decoder; only the cache is shared.
	worker := etw.NewDecodeWorker(opener,
		etw.NewSchemaResolver(md, cache, etw.WithResolverMetrics(metrics)),
		etw.NewDecoder(md, etw.WithNestedDecoding(cfg.Decoder.Nested), etw.WithMetrics(metrics)),
		etw.WithMaxMatches(cfg.Decoder.MaxMatches),
		etw.WithWorkerMetrics(metrics),
		etw.WithWorkerContext(ctx),
	)
	defer func() {
		worker.Shutdown()
		worker.Join()
	}()
	for _, key := range opts.events {
		worker.Submit(key)
	}
	return collect(ctx, worker, len(opts.events), cfg.Decoder.PollInterval.Duration, stdout)
}

// collect polls the worker until want batches arrived, writing each record
// as one JSON line.
func collect(ctx context.Context, w *etw.DecodeWorker, want int, every time.Duration, stdout io.Writer) error {
	enc := json.NewEncoder(stdout)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var errs []error
	for got := 0; got < want; {
		b, ok := w.Poll()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			continue
		}
		got++
		if b.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Filter, b.Err))
		}
		for i := range b.Records {
			line := struct {
				Batch string `json:"batch"`
				etw.EventRecord
			}{b.ID.String(), b.Records[i]}
			if err := enc.Encode(&line); err != nil {
				return err
			}
		}
	}
	return errors.Join(errs...)
}

// listSchemas scans the trace into the resolver's cache and prints it. A failed
// scan is not fatal: it is logged and the list holds whatever the scan
// discovered before failing, possibly nothing.
func listSchemas(ctx context.Context, opener etw.SourceOpener, resolver *etw.SchemaResolver,
	col etw.SortColumn, descending bool, out io.Writer) {
	if n, err := etw.ScanSchemas(ctx, opener, resolver); err != nil {
		etw.GetLogManager().Logger(etw.DefaultLogger).Error().
			Err(err).
			Int("discovered", n).
			Msg("schema scan failed")
	}
	list := resolver.Cache().Snapshot()
	etw.SortSchemas(list, col, descending)
	printSchemas(out, list)
}

func printSchemas(out io.Writer, list []*etw.EventSchema) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "PROVIDER\tTASK\tOPCODE\tLEVEL\tCHANNEL\tKEYWORDS\tID\tVERSION\tFIELDS")
	for _, s := range list {
		fields := make([]string, len(s.Fields))
		for i, f := range s.Fields {
			fields[i] = f.Name + ":" + f.Type
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ProviderName, s.TaskName, s.OpcodeName, s.LevelName, s.ChannelName, s.KeywordsName,
			strconv.Itoa(int(s.Key.ID)), strconv.Itoa(int(s.Key.Version)), strings.Join(fields, " "))
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
	return srv
}
