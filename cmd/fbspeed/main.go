package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/NodePath81/fbspeed/internal/app"
	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/session"
	"github.com/NodePath81/fbspeed/internal/util"
	"github.com/NodePath81/fbspeed/internal/version"
)

const defaultConfigPath = "config.yaml"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runCmd := flag.NewFlagSet("run", flag.ExitOnError)
			configPath := runCmd.String("config", defaultConfigPath, "Path to config file")
			_ = runCmd.Parse(os.Args[2:])
			if *configPath == defaultConfigPath && runCmd.NArg() > 0 {
				*configPath = runCmd.Arg(0)
			}
			runServer(*configPath)
			return
		case "check":
			checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
			configPath := checkCmd.String("config", defaultConfigPath, "Path to config file")
			_ = checkCmd.Parse(os.Args[2:])
			if *configPath == defaultConfigPath && checkCmd.NArg() > 0 {
				*configPath = checkCmd.Arg(0)
			}
			checkConfig(*configPath)
			return
		case "select":
			os.Exit(selectCmd(os.Args[2:]))
		case "download", "upload", "latency":
			kind, _ := session.ParseKind(os.Args[1])
			os.Exit(testCmd(kind, os.Args[2:]))
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(version.Version)
			return
		}
	}

	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()
	if *configPath == defaultConfigPath && len(flag.Args()) > 0 {
		*configPath = flag.Arg(0)
	}
	runServer(*configPath)
}

func runServer(configPath string) {
	logger := util.NewLogger()
	supervisor := app.NewSupervisor(configPath, logger)
	if err := supervisor.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info("reload requested")
			if err := supervisor.Restart(); err != nil {
				logger.Error("reload failed", "error", err)
			}
			continue
		}
		break
	}
	logger.Info("shutdown requested")
	supervisor.Stop()
}

func checkConfig(path string) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config valid: %d servers, server list %q, speedtest.net discovery %t\n",
		len(cfg.Servers), cfg.ServerListURL, cfg.Discovery.SpeedtestNet.Enabled)
	os.Exit(0)
}

// loadOptionalConfig falls back to defaults when the default config file is
// absent. An explicitly named file must exist.
func loadOptionalConfig(path string) (config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
	}
	return config.LoadConfig(path)
}

type commonFlags struct {
	configPath *string
	verbose    *bool
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath: fs.String("config", defaultConfigPath, "Path to config file"),
		verbose:    fs.Bool("v", false, "Enable diagnostic logging"),
	}
}

func (c commonFlags) setup(sinks ...session.EventSink) (*app.Engine, util.Logger, error) {
	cfg, err := loadOptionalConfig(*c.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := util.NewLogger()
	if cfg.Logging.Diagnostics || *c.verbose {
		util.SetDiagnostics(true)
	} else {
		_ = util.SetLevel(cfg.Logging.Level)
	}
	engine, err := app.NewEngine(cfg, logger, sinks...)
	if err != nil {
		return nil, nil, err
	}
	return engine, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func selectCmd(args []string) int {
	fs := flag.NewFlagSet("select", flag.ExitOnError)
	common := addCommonFlags(fs)
	_ = fs.Parse(args)

	engine, _, err := common.setup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "select: %v\n", err)
		return 1
	}
	defer engine.Close()

	ctx, stop := signalContext()
	defer stop()
	if err := engine.LoadServers(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "select: %v\n", err)
		return 1
	}
	best, candidates, err := engine.SelectBest(ctx)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tPING\tADDRESS")
	for _, c := range candidates {
		ping := "-"
		if ms, ok := c.PingMillis(); ok {
			ping = fmt.Sprintf("%.1f ms", ms)
		}
		marker := ""
		if best != nil && c == best {
			marker = " *"
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%s\n", c.Server.Name, marker, ping, c.Server.BaseURL)
	}
	_ = tw.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "select: %v\n", err)
		return 1
	}
	return 0
}

func testCmd(kind session.Kind, args []string) int {
	fs := flag.NewFlagSet(kind.String(), flag.ExitOnError)
	common := addCommonFlags(fs)
	serverName := fs.String("server", "", "Server name (default: select the fastest)")
	size := fs.String("size", "", "Transfer size, e.g. 25mib")
	timeout := fs.Duration("timeout", 0, "Test timeout")
	mode := fs.String("mode", "", "Speed computation mode: cumulative or sliding")
	samples := fs.Int("samples", 0, "Latency sample count")
	_ = fs.Parse(args)

	params := session.Params{TestTimeout: *timeout, Mode: *mode, Samples: *samples}
	if *size != "" {
		n, err := config.ParseSize(*size)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", kind, err)
			return 2
		}
		params.FileSize = n
	}

	done := make(chan session.Event, 1)
	printer := &progressPrinter{out: os.Stdout}
	sink := session.SinkFunc(func(ev session.Event) {
		printer.print(ev)
		if ev.Type.Terminal() {
			done <- ev
		}
	})
	engine, _, err := common.setup(sink)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", kind, err)
		return 1
	}
	defer engine.Close()

	ctx, stop := signalContext()
	defer stop()
	if err := engine.LoadServers(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", kind, err)
		return 1
	}
	if *serverName == "" {
		best, _, err := engine.SelectBest(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: server selection: %v\n", kind, err)
			return 1
		}
		ms, _ := best.PingMillis()
		fmt.Printf("server: %s (%.1f ms)\n", best.Server.Name, ms)
	}
	server, err := engine.ResolveServer(*serverName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", kind, err)
		return 1
	}

	const sessionID = 1
	if err := engine.Sessions.Start(sessionID, kind, server, params); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", kind, err)
		return 2
	}
	var ev session.Event
	select {
	case ev = <-done:
	case <-ctx.Done():
		_ = engine.Sessions.Cancel(sessionID)
		ev = <-done
	}
	switch ev.Type {
	case session.EventCompleted:
		return 0
	case session.EventCancelled:
		return 130
	default:
		return 1
	}
}

type progressPrinter struct {
	out io.Writer
}

func (p *progressPrinter) print(ev session.Event) {
	switch ev.Type {
	case session.EventProgress:
		pr := ev.Progress
		if ev.Kind == session.KindLatency {
			fmt.Fprintf(p.out, "\r%-8s %5.1f%%  %7.2f ms  jitter %6.2f ms", ev.Kind, pr.Percent, pr.LatencyMs, pr.JitterMs)
			return
		}
		fmt.Fprintf(p.out, "\r%-8s %5.1f%%  %s", ev.Kind, pr.Percent, pr.Rate)
	case session.EventCompleted:
		c := ev.Completed
		fmt.Fprintln(p.out)
		if c.Latency != nil {
			fmt.Fprintf(p.out, "latency: %.2f ms  jitter: %.2f ms  min: %.2f ms  max: %.2f ms  (%d samples)\n",
				c.Latency.AverageMs, c.Latency.JitterMs, c.Latency.MinMs, c.Latency.MaxMs, c.Latency.Samples)
			return
		}
		suffix := ""
		if c.Partial {
			suffix = " (timeout reached)"
		}
		fmt.Fprintf(p.out, "%s: %s  %d bytes in %s%s\n", ev.Kind, c.Rate, c.Bytes, c.Elapsed.Round(time.Millisecond), suffix)
	case session.EventErrored:
		fmt.Fprintln(p.out)
		fmt.Fprintf(p.out, "%s failed [%s]: %s\n", ev.Kind, ev.Error.Code, ev.Error.Message)
	case session.EventCancelled:
		fmt.Fprintln(p.out)
		fmt.Fprintf(p.out, "%s cancelled\n", ev.Kind)
	}
}

func printHelp() {
	fmt.Print(`fbspeed - network speed test engine

Usage:
  fbspeed run --config <path>        Start the control server
  fbspeed check --config <path>      Validate config file
  fbspeed select [--config <path>]   Ping all servers and pick the fastest
  fbspeed download [flags]           Run a download test
  fbspeed upload [flags]             Run an upload test
  fbspeed latency [flags]            Run a latency and jitter test
  fbspeed help                       Show this help
  fbspeed version                    Print version

Test flags:
  --server <name>   Server to test against (default: fastest)
  --size <size>     Transfer size, e.g. 25mib
  --timeout <dur>   Test timeout, e.g. 15s
  --mode <mode>     cumulative or sliding
  --samples <n>     Latency sample count
  -v                Diagnostic logging

Legacy:
  fbspeed --config <path>
  fbspeed <config-path>
`)
}
