package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/shotreport/internal/app"
	"github.com/basket/shotreport/internal/audit"
	"github.com/basket/shotreport/internal/builder"
	"github.com/basket/shotreport/internal/bus"
	"github.com/basket/shotreport/internal/config"
	"github.com/basket/shotreport/internal/cron"
	"github.com/basket/shotreport/internal/customgui"
	"github.com/basket/shotreport/internal/differ"
	"github.com/basket/shotreport/internal/gateway"
	"github.com/basket/shotreport/internal/hub"
	"github.com/basket/shotreport/internal/notify"
	otelPkg "github.com/basket/shotreport/internal/otel"
	"github.com/basket/shotreport/internal/persistence"
	"github.com/basket/shotreport/internal/runner"
	"github.com/basket/shotreport/internal/saver"
	"github.com/basket/shotreport/internal/shared"
	"github.com/basket/shotreport/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1.0-dev"

const shutdownTimeout = 30 * time.Second

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SERVER MODE (default):
  %s [serve]                  Start the report server

SUBCOMMANDS:
  %s watch [url]              Follow a server's live event stream
  %s status [url]             Show server health (/healthz)
  %s export [-copy dst] <db>  Print the report stored in a database as JSON
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SHOTREPORT_HOME         Data directory (default: ~/.shotreport)
  SHOTREPORT_BIND_ADDR    Listen address (default: %s)
  SHOTREPORT_REPORT_PATH  Report directory holding %s
  TELEGRAM_TOKEN          Bot token for run notifications
`, config.DefaultBindAddr, config.DBFileName)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "watch":
			os.Exit(runWatchCommand(ctx, args[1:], isatty.IsTerminal(os.Stdout.Fd())))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:], os.Stdout))
		case "export":
			os.Exit(runExportCommand(ctx, args[1:], os.Stdout))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		case "serve":
			if len(args) > 1 {
				fmt.Fprintln(os.Stderr, "usage: shotreport serve")
				os.Exit(2)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsInit {
		if err := config.WriteDefault(cfg.HomeDir); err != nil {
			fatalStartup(nil, "E_CONFIG_WRITE", err)
		}
		if cfg, err = config.Load(); err != nil {
			fatalStartup(nil, "E_CONFIG_RELOAD", err)
		}
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "report_path", cfg.ReportPath)

	if err := serve(ctx, cfg, logger, nil); err != nil {
		var se *startupError
		if errors.As(err, &se) {
			fatalStartup(logger, se.code, se.err)
		}
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

// startupError tags a startup failure with its reason code.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func startupFail(code string, err error) error {
	return &startupError{code: code, err: err}
}

// serve runs the report server until ctx is done, then finalizes the report.
// ready, when non-nil, is called with the bound listener address.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, ready func(net.Addr)) error {
	eventBus := bus.New()
	defer eventBus.Close()

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		return startupFail("E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return startupFail("E_OTEL_METRICS", err)
	}

	if err := os.MkdirAll(cfg.ReportPath, 0o755); err != nil {
		return startupFail("E_REPORT_DIR", err)
	}
	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		return startupFail("E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "path", store.Path())

	sv, err := saver.New(ctx, cfg.Saver)
	if err != nil {
		return startupFail("E_SAVER_INIT", err)
	}

	bld, err := builder.New(builder.Config{
		Store:           store,
		Differ:          &differ.PNG{BaseDir: cfg.ReportPath},
		Saver:           sv,
		Bus:             eventBus,
		Logger:          logger,
		Metrics:         metrics,
		Tracer:          otelProvider.Tracer,
		ReportPath:      cfg.ReportPath,
		DiffConcurrency: cfg.DiffConcurrency,
	})
	if err != nil {
		return startupFail("E_BUILDER_INIT", err)
	}

	h := hub.New(
		hub.WithReplaceKeys(app.ReplaceKeys...),
		hub.WithLogger(logger),
		hub.WithClientCounter(func(delta int) {
			metrics.BroadcastClients.Add(context.Background(), int64(delta))
		}),
	)

	rn, err := runner.New(cfg.Runner)
	if err != nil {
		return startupFail("E_RUNNER_INIT", err)
	}
	if d, ok := rn.(*runner.Docker); ok {
		defer d.Close()
	}

	var gui app.GUI
	if len(cfg.CustomGUI.Modules) > 0 {
		host, err := customgui.NewHost(ctx, cfg.CustomGUI, logger)
		if err != nil {
			return startupFail("E_CUSTOM_GUI_INIT", err)
		}
		defer host.Close(context.Background())
		gui = host
	}

	a, err := app.New(app.Config{
		Builder: bld,
		Hub:     h,
		Runner:  rn,
		GUI:     gui,
		Bus:     eventBus,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  otelProvider.Tracer,
		View:    cfg.View,
	})
	if err != nil {
		return startupFail("E_APP_INIT", err)
	}
	if err := a.Initialize(ctx); err != nil {
		return startupFail("E_REPORT_LOAD", err)
	}
	logger.Info("startup phase", "phase", "report_loaded")

	gw, err := gateway.New(gateway.Config{
		App:               a,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		CORS:              cfg.CORS,
		AuthToken:         cfg.AuthToken,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		ReportDir:         cfg.ReportPath,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
	})
	if err != nil {
		return startupFail("E_GATEWAY_INIT", err)
	}

	var sched *cron.Scheduler
	if cfg.Schedule.RunCron != "" {
		sched, err = cron.NewScheduler(cron.Config{
			Schedules: []cron.Schedule{{Name: "run", Expr: cfg.Schedule.RunCron, Clear: cfg.Schedule.Clear}},
			Trigger: func(ctx context.Context, s cron.Schedule) error {
				_, err := a.Run(ctx, app.RunRequest{Payload: s.Payload, Clear: s.Clear})
				return err
			},
			Logger: logger,
		})
		if err != nil {
			return startupFail("E_SCHEDULE_INIT", err)
		}
	}

	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Streaming sessions never go idle, so Shutdown would wait on them
	// until its deadline. Closing the sinks makes their handlers return.
	server.RegisterOnShutdown(a.Hub().CloseAll)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  Another process is using %s. Stop it first or change bind_addr in config.yaml.", err, cfg.BindAddr)
		}
		return startupFail("E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "base_host", cfg.BaseHost)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	if ready != nil {
		ready(ln.Addr())
	}

	if sched != nil {
		sched.Start(ctx)
		defer sched.Stop()
		logger.Info("startup phase", "phase", "scheduler_started", "expr", cfg.Schedule.RunCron)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go watcher.Follow(ctx, func(next config.Config) {
			if err := a.SetView(next.View); err != nil {
				logger.Warn("config reload: view rejected", "error", err)
				return
			}
			logger.Info("config reload: view applied", "fingerprint", next.Fingerprint())
		})
	}

	if tg := cfg.Notify.Telegram; tg.Enabled {
		n, err := notify.NewTelegram(tg.Token, tg.ChatIDs, eventBus, logger)
		if err != nil {
			logger.Warn("telegram notifications disabled", "error", err)
		} else {
			go func() {
				if err := n.Start(ctx); err != nil {
					logger.Error("telegram notifier failed", "error", err)
				}
			}()
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
		logger.Error("gateway server error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err)
	}

	finalizeCtx, cancelFinalize := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelFinalize()
	locs, err := a.Finalize(finalizeCtx)
	if err != nil {
		logger.Error("finalize failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	} else {
		logger.Info("report finalized", "db_urls", redactURLs(locs.DBUrls), "json_urls", redactURLs(locs.JSONUrls))
	}
	logger.Info("shutdown complete")
	return runErr
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || strings.Contains(err.Error(), "address already in use")
}

func redactURLs(urls []string) []string {
	out := make([]string, len(urls))
	for i, u := range urls {
		out[i] = shared.RedactURL(u)
	}
	return out
}
