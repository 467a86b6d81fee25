// Command chronowatchd is the rule-execution core's entrypoint: parse
// flags, wait for the writeback backend to become reachable, wire every
// collaborator described in SPEC_FULL.md §0, and run the scheduler
// until a signal or --end cuts it off.
//
// Grounded on cmd/alertmanager/main.go's flag-parse -> build -> run ->
// graceful-shutdown shape, updated to the teacher's current
// alecthomas/kingpin/v2 + promslog stack (the cli/ subcommands already
// use kingpin/v2; the older cmd/alertmanager/main.go still imports the
// deprecated gopkg.in/alecthomas/kingpin.v2, which chronowatch does not
// carry forward).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/promslog"

	"github.com/chronowatch/chronowatch/aggregation"
	"github.com/chronowatch/chronowatch/alerter"
	"github.com/chronowatch/chronowatch/config"
	"github.com/chronowatch/chronowatch/dispatch"
	"github.com/chronowatch/chronowatch/enhancement"
	"github.com/chronowatch/chronowatch/esclient"
	"github.com/chronowatch/chronowatch/query"
	"github.com/chronowatch/chronowatch/ruleexec"
	"github.com/chronowatch/chronowatch/ruletype"
	"github.com/chronowatch/chronowatch/scheduler"
	"github.com/chronowatch/chronowatch/silence"
	"github.com/chronowatch/chronowatch/smtp"
	"github.com/chronowatch/chronowatch/types"
	"github.com/chronowatch/chronowatch/writeback"
)

const appName = "chronowatchd"

func main() {
	os.Exit(run(os.Args[1:]))
}

// flags mirrors the CLI surface of spec.md §6.
type flags struct {
	config         string
	debug          bool
	verbose        bool
	rule           string
	silence        string
	silenceQKValue string
	start          string
	end            string
	patience       string
	pinRules       bool
	esDebug        bool
	esDebugTrace   string
	prometheusPort int
	prometheusAddr string
	logLevel       string
	logFormat      string
}

func run(args []string) int {
	var f flags
	app := kingpin.New(appName, "Rule-execution core for a time-series alerting engine.")
	app.Flag("config", "Path to config.yaml.").Default("config.yaml").StringVar(&f.config)
	app.Flag("debug", "Suppress real alerts; log matches to console instead.").BoolVar(&f.debug)
	app.Flag("verbose", "Raise log level without suppressing alerts (incompatible with --debug).").BoolVar(&f.verbose)
	app.Flag("rule", "Run a single rule file instead of the whole rules folder.").StringVar(&f.rule)
	app.Flag("silence", "With --rule, silence the rule for <unit>=<n> on startup (seconds|minutes|hours|days|weeks).").StringVar(&f.silence)
	app.Flag("silence_qk_value", "Query-key value suffixing the --silence key.").StringVar(&f.silenceQKValue)
	app.Flag("start", "ISO8601 timestamp or NOW; parsed but has no effect: the first tick's window start is not overridden.").StringVar(&f.start)
	app.Flag("end", "ISO8601 timestamp; chronowatchd exits 0 once the next wake time would exceed it.").StringVar(&f.end)
	app.Flag("patience", "How long to wait for the writeback backend to become reachable, <unit>=<n>.").Default("seconds=0").StringVar(&f.patience)
	app.Flag("pin_rules", "Only run rules already loaded at startup; ignore newly added rule files.").BoolVar(&f.pinRules)
	app.Flag("es_debug", "Parsed but has no effect: backend request bodies are not logged.").BoolVar(&f.esDebug)
	app.Flag("es_debug_trace", "File path; parsed but has no effect: no request/response trace is written.").StringVar(&f.esDebugTrace)
	app.Flag("prometheus_port", "Port to serve /metrics on (0 disables).").Default("9321").IntVar(&f.prometheusPort)
	app.Flag("prometheus_addr", "Address to serve /metrics on.").Default("").StringVar(&f.prometheusAddr)
	app.Flag("log.level", "Log level: debug, info, warn, error.").Default("info").StringVar(&f.logLevel)
	app.Flag("log.format", "Log format: logfmt or json.").Default("logfmt").StringVar(&f.logFormat)

	if _, err := app.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if f.debug && f.verbose {
		fmt.Fprintln(os.Stderr, "--debug and --verbose are mutually exclusive")
		return 1
	}

	promslogConfig := &promslog.Config{}
	if f.verbose {
		f.logLevel = "debug"
	}
	if err := promslogConfig.Level.Set(f.logLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := promslogConfig.Format.Set(f.logFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger := promslog.New(promslogConfig)
	if f.debug {
		logger = logger.With("mode", "debug")
	}

	global, err := config.LoadGlobal(f.config)
	if err != nil {
		logger.Error("loading config", "err", err)
		return 1
	}

	registry := prometheus.NewRegistry()

	esCfg := elasticsearch.Config{
		Addresses: []string{fmt.Sprintf("%s://%s:%d", scheme(global.ESUseSSL), global.ESHost, global.ESPort)},
	}
	if global.ESUsername != "" {
		esCfg.Username = global.ESUsername
		esCfg.Password = global.ESPassword
	}
	client, err := esclient.New(esCfg, logger)
	if err != nil {
		logger.Error("connecting to search backend", "err", err)
		return 1
	}

	patience, err := config.ParseUnitDuration(f.patience)
	if err != nil {
		logger.Error("invalid --patience", "err", err)
		return 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := waitReady(ctx, client, patience, logger); err != nil {
		logger.Error("writeback backend never became ready", "err", err)
		return 1
	}

	wb := writeback.New(client, global.WritebackIndex, nil, logger)
	runner := query.New(client, wb, logger)
	silences := silence.New(wb, nil, logger)

	alerters := map[string]alerter.Alerter{
		"log": alerter.NewLog(logger),
	}
	enhancements := map[string]enhancement.Enhancement{}

	var debugAlerter alerter.Alerter
	if f.debug {
		debugAlerter = alerter.NewLog(logger)
	}

	if global.SMTPHost != "" {
		// The Mailer built here is discarded: no error path calls
		// Mailer.Send and no alerter is registered for it, so
		// notify_email recipients receive no mail.
		_ = smtp.New(smtp.Config{
			Smarthost: fmt.Sprintf("%s:%d", global.SMTPHost, global.SMTPPort),
			From:      global.SMTPFrom,
		}, logger)
	}

	dispatcher := dispatch.New(wb, alerters, enhancements, logger,
		dispatch.WithDebugAlerter(debugAlerter),
		dispatch.WithMetrics(dispatch.NewMetrics(registry)),
	)

	alertLock := &sync.Mutex{}
	aggQueue := aggregation.New(wb, nil, func(ctx context.Context, rule *types.Rule, _ string, matches []types.Match) error {
		return dispatcher.SendAlert(ctx, matches, rule, nil, false)
	}, logger, alertLock)

	exec := ruleexec.New(runner, silences, aggQueue, dispatcher, wb, nil, logger, ruleexec.NewMetrics(registry))

	loader := resolveLoader(f, global)

	if f.rule != "" && f.silence != "" {
		if err := applyStartupSilence(ctx, silences, f, logger); err != nil {
			logger.Error("applying --silence", "err", err)
			return 1
		}
	}

	detectors := func(*types.Rule) ruletype.Detector { return ruletype.NewPassThrough() }

	var pinRules map[string]bool
	if f.pinRules {
		rules, err := loader.LoadRules(ctx)
		if err != nil {
			logger.Error("loading rules for --pin_rules", "err", err)
			return 1
		}
		pinRules = make(map[string]bool, len(rules))
		for _, rule := range rules {
			pinRules[rule.Name] = true
		}
	}

	sched := scheduler.New(scheduler.Config{
		AlertTimeLimit: global.AlertTimeLimit.Duration,
		PinRules:       pinRules,
	}, exec, loader, dispatcher, alertLock, silences, detectors, nil, logger, scheduler.NewMetrics(registry))

	if f.prometheusPort > 0 {
		go serveMetrics(f.prometheusAddr, f.prometheusPort, registry, logger)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.end != "" {
		endAt, err := time.Parse(time.RFC3339, f.end)
		if err != nil {
			logger.Error("invalid --end", "err", err)
			return 1
		}
		go func() {
			timer := time.NewTimer(time.Until(endAt))
			defer timer.Stop()
			select {
			case <-timer.C:
				logger.Info("--end reached, shutting down")
				stop()
			case <-sigCtx.Done():
			}
		}()
	}

	if err := sched.Run(sigCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scheduler exited", "err", err)
		return 1
	}
	return 0
}

func scheme(useSSL bool) string {
	if useSSL {
		return "https"
	}
	return "http"
}

// waitReady implements spec.md §4.J's readiness wait: poll the backend
// up to patience, aborting with a specific error if it never answers.
func waitReady(ctx context.Context, client *esclient.Client, patience time.Duration, logger *slog.Logger) error {
	deadline := time.Now().Add(patience)
	for {
		if client.Ping(ctx) == nil {
			return nil
		}
		if patience <= 0 || time.Now().After(deadline) {
			return fmt.Errorf("writeback backend unreachable after %s", patience)
		}
		logger.Warn("writeback backend not ready, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func resolveLoader(f flags, global *config.Global) config.Loader {
	if f.rule != "" {
		return config.NewSingleRuleLoader(f.rule)
	}
	return config.NewFileLoader(global.RulesFolder)
}

// applyStartupSilence implements the --silence CLI flag (spec.md §6):
// silence the single --rule rule, optionally scoped to --silence_qk_value,
// for the given <unit>=<n> duration.
func applyStartupSilence(ctx context.Context, silences *silence.Silences, f flags, logger *slog.Logger) error {
	d, err := config.ParseUnitDuration(f.silence)
	if err != nil {
		return fmt.Errorf("parsing --silence: %w", err)
	}
	rule, err := config.LoadRuleFile(f.rule)
	if err != nil {
		return fmt.Errorf("loading --rule for --silence: %w", err)
	}
	key := silence.Key(rule, f.silenceQKValue)
	until := time.Now().Add(d)
	if err := silences.StartupSilence(ctx, rule.Name, key, d); err != nil {
		return err
	}
	logger.Info("startup silence applied", "key", key, "until", until)
	return nil
}

func serveMetrics(addr string, port int, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	listenAddr := fmt.Sprintf("%s:%d", addr, port)
	logger.Info("serving metrics", "addr", listenAddr)
	if err := http.ListenAndServe(listenAddr, mux); err != nil {
		logger.Error("metrics server exited", "err", err)
	}
}
