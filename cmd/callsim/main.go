// callsim прогоняет сценарии звонков через менеджер и печатает
// итоговые состояния и историю переходов.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/callstate/pkg/call"
	"github.com/arzzra/callstate/pkg/logger"
	"github.com/arzzra/callstate/pkg/manager"
)

func main() {
	var (
		configPath  = flag.String("config", "callsim.yaml", "Path to YAML config (missing file means defaults)")
		scenario    = flag.String("scenario", "all", "Scenario: outgoing, incoming, reconnect, illegal, all (comma separated)")
		graph       = flag.Bool("graph", false, "Print transition graph (mermaid) and exit")
		metricsAddr = flag.String("metrics-addr", "", "Serve prometheus metrics on this address after scenarios")
	)
	flag.Parse()

	if *graph {
		g, err := call.Graph()
		if err != nil {
			fmt.Fprintf(os.Stderr, "graph: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(g)
		return
	}

	if err := run(*configPath, *scenario, *metricsAddr); err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, scenario, metricsAddr string) error {
	// .env не обязателен
	_ = godotenv.Load()

	cfg, err := manager.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if level := os.Getenv("CALLSIM_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	cfg.Log.Output = os.Stderr

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	names, err := scenarioNames(scenario)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := newSimulator(log)
	mgr, err := manager.NewManager(cfg, sim, log)
	if err != nil {
		return err
	}
	sim.mgr = mgr

	if err := mgr.Start(ctx); err != nil {
		return err
	}

	type result struct {
		name string
		rec  *call.Record
		err  error
	}
	results := make([]result, 0, len(names))
	for _, name := range names {
		rec, err := scenarios[name](ctx, sim)
		results = append(results, result{name: name, rec: rec, err: err})
	}

	// дожидаемся доставки директив
	mgr.Stop()

	failed := 0
	for _, r := range results {
		printResult(r.name, r.rec, r.err, sim)
		if r.err != nil {
			failed++
		}
	}

	if metricsAddr != "" && mgr.Registry() != nil {
		if err := serveMetrics(ctx, mgr, metricsAddr, log); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(results))
	}
	return nil
}

func printResult(name string, rec *call.Record, err error, sim *simulator) {
	if rec == nil {
		fmt.Printf("%-10s no call: %v\n", name, err)
		return
	}
	fmt.Printf("%-10s %s\n", name, rec)
	for _, h := range rec.History() {
		fmt.Printf("           %s -[%s]-> %s\n", h.From, h.Event, h.To)
	}
	fmt.Printf("           directives: %v\n", sim.handledKinds(rec.ID()))
	if err != nil {
		fmt.Printf("           error: %v\n", err)
	}
}

func serveMetrics(ctx context.Context, mgr *manager.Manager, addr string, log logger.StructuredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mgr.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info(ctx, "serving metrics until interrupted", logger.String("addr", addr))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
