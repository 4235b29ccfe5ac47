package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"drase/pkg/config"
	"drase/pkg/dynamic"
	"drase/pkg/idset"
	"drase/pkg/logging"
	"drase/pkg/metrics"
	"drase/pkg/store"
)

// testList collects repeated -test flags
type testList []string

func (l *testList) String() string     { return strings.Join(*l, ",") }
func (l *testList) Set(v string) error { *l = append(*l, v); return nil }

func main() {
	var selected testList
	configPath := flag.String("config", "drase.yaml", "Path to the YAML configuration")
	flag.Var(&selected, "test", "Run only this test (repeatable, default: all configured tests)")
	force := flag.Bool("force", false, "Rebuild models even when a stored copy exists")
	outDir := flag.String("out", "spectra_out", "Directory for the per-test JSON spectra")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (overrides config)")
	initConfig := flag.Bool("init-config", false, "Write an example configuration to -config and exit")
	flag.Parse()

	log := logging.NamedLogger("main")

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Example configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if err := logging.Configure(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}

	names := cfg.TestNames()
	if len(selected) > 0 {
		for _, name := range selected {
			if _, ok := cfg.Tests[name]; !ok {
				log.Fatalf("Unknown test %q", name)
			}
		}
		names = selected
	}
	if len(names) == 0 {
		log.Warn("No tests configured, nothing to do")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println("================================")
	fmt.Println("DRASE: DYNAMIC SPECTRA FROM GAUSSIAN PROCESS MODELS OF STATIC MEASUREMENTS")
	fmt.Println("================================")

	reg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, collector, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	s, err := store.NewStore(cfg.Store.Kind, cfg.Store.Path)
	if err != nil {
		log.Fatalf("Failed to create store: %v", err)
	}
	defer func() {
		if err := store.CloseIfSupported(s); err != nil {
			log.Warnf("Failed to close store: %v", err)
		}
	}()
	if err := s.Init(ctx); err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	if err := store.Import(ctx, s, cfg.DetectorSeeds(), cfg.ScenarioBackgrounds()); err != nil {
		log.Fatalf("Failed to import spectra: %v", err)
	}

	manager := dynamic.NewManager(s, dynamic.ManagerOptions{
		Metrics: collector,
		Workers: cfg.Processing.NumCores,
		Seed:    cfg.Processing.Seed,
		Progress: func(completed, total int, message string) {
			log.Debugf("%s: %d/%d bins", message, completed, total)
		},
	})

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	failed := 0
	for _, name := range names {
		if err := runTest(ctx, cfg, name, s, manager, collector, *force, *outDir); err != nil {
			if errors.Is(err, context.Canceled) {
				log.Fatalf("Interrupted during test %s", name)
			}
			log.WithField("test", name).Errorf("Test failed: %v", err)
			failed++
		}
	}

	fmt.Printf("\nCompleted %d of %d tests\n", len(names)-failed, len(names))
	fmt.Printf("Spectra saved to: %s\n", *outDir)
	if failed > 0 {
		os.Exit(1)
	}
}

// runTest samples one configured test and writes its spectra as JSON
func runTest(ctx context.Context, cfg *config.Config, name string, s store.Store, manager *dynamic.Manager,
	collector *metrics.Collector, force bool, outDir string) error {
	tc := cfg.Tests[name]
	sc, err := cfg.Scenario(tc.Scenario)
	if err != nil {
		return err
	}
	kind, err := dynamic.ParseKind(tc.Model)
	if err != nil {
		return err
	}
	seed := tc.Seed
	if seed == 0 {
		seed = cfg.Processing.Seed
	}

	set, err := idset.New(idset.Params{
		Detector: tc.Detector,
		Scenario: sc,
		Model:    kind,
		ModelDef: tc.ModelDef,
		Seed:     seed,
	}, s, manager, collector)
	if err != nil {
		return err
	}
	defer set.Clear()

	fmt.Printf("\nRunning test %s (%s on %s, %s)\n", name, tc.Scenario, tc.Detector, kind)
	start := time.Now()
	if err := set.DoAll(ctx, force); err != nil {
		return err
	}
	spectra, err := set.GetSpectra(ctx)
	if err != nil {
		return err
	}

	path := filepath.Join(outDir, name+".json")
	if err := writeJSON(path, spectra); err != nil {
		return err
	}
	fmt.Printf("- %d replications x %d periods in %.2f seconds\n",
		len(spectra.Foreground), sc.NumPeriods(), time.Since(start).Seconds())
	fmt.Printf("- Output: %s\n", path)
	return nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

func serveMetrics(addr string, collector *metrics.Collector, log *logrus.Entry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server stopped: %v", err)
		}
	}()
	log.Infof("Serving metrics on %s/metrics", addr)
	return srv
}
