// Fieldlog - Modbus field data logger
//
// Polls a power meter's holding registers at a fixed interval, scales the
// raw values and appends timestamped records to daily files, with optional
// republishing to MQTT, Valkey and Kafka.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fieldlog/acquire"
	"fieldlog/catalog"
	"fieldlog/config"
	"fieldlog/cycle"
	"fieldlog/kafka"
	"fieldlog/logging"
	"fieldlog/measure"
	"fieldlog/metrics"
	"fieldlog/modbus"
	"fieldlog/mqtt"
	"fieldlog/storage"
	"fieldlog/tui"
	"fieldlog/valkey"
	"fieldlog/web"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles -log-debug without a value by injecting "all".
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if strings.HasPrefix(arg, "--log-debug=") || strings.HasPrefix(arg, "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file (.yaml or .json)")
	showVersion = flag.Bool("version", false, "Show version and exit")
	once        = flag.Bool("once", false, "Run a single cycle, print the record and exit")
	withTUI     = flag.Bool("tui", false, "Show the live register table")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log (all, or a comma-separated protocol list)")
	listPorts   = flag.Bool("list-ports", false, "List serial ports and exit")
)

func main() {
	preprocessLogDebugFlag()
	flag.Parse()

	if *showVersion {
		fmt.Printf("fieldlog %s\n", Version)
		os.Exit(0)
	}

	if *listPorts {
		ports, err := modbus.ListPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing ports: %v\n", err)
			os.Exit(1)
		}
		if len(ports) == 0 {
			fmt.Println("No serial ports found")
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, w := range cfg.Warnings() {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
	}

	if debugFile := setupDebugLog(*logDebug, cfg.Debug); debugFile != nil {
		defer debugFile.Close()
	}

	client, err := modbus.NewClient(cfg.Modbus())
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Connect(); err != nil {
		// The handler reconnects on the next read; failed reads are logged per cycle.
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	reader := modbus.NewReader(client)

	cat, err := cfg.Catalog()
	if err != nil {
		return err
	}
	holder := catalog.NewHolder(reader.BootstrapRatios(cat))

	sinks, err := openSinks(cfg)
	if err != nil {
		return err
	}
	defer sinks.Close()

	collector := metrics.New(metrics.WithConstLabels(map[string]string{"device": cfg.Device}))
	pipeline := acquire.New(reader)
	pipeline.SetObserver(collector)

	orch := cycle.New(holder, pipeline, sinks.sink())
	observers := cycle.Observers{collector, logObserver{}}

	if *once {
		orch.SetObserver(observers)
		return runOnce(orch, os.Stdout)
	}

	var webServer *web.Server
	if cfg.Web.Enabled {
		opts := web.Options{Device: cfg.Device, Catalog: holder, Metrics: collector.Handler()}
		if sinks.sqlite != nil {
			opts.History = sinks.sqlite
		}
		webServer = web.NewServer(&cfg.Web, orch, opts)
		if err := webServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start web server: %v\n", err)
			webServer = nil
		}
	}

	sinks.start()

	reload := func() {
		if err := reloadCatalog(*configPath, reader, holder); err != nil {
			logging.DebugError("cycle", "reload", err)
			sinks.LogFailure(fmt.Sprintf("Config reload failed: %v", err))
			return
		}
		logging.DebugLog("cycle", "register catalog reloaded (%d registers)", holder.Load().Len())
	}

	var view *tui.View
	if *withTUI {
		view = tui.NewView(cfg.Device, holder, orch)
		view.SetOnCycle(func() { orch.Tick() })
		view.SetOnReload(reload)
		observers = append(observers, view)
	}
	orch.SetObserver(observers)
	orch.Start(cfg.Interval())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	done := make(chan struct{})
	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				reload()
				continue
			}
			if view != nil {
				view.Stop()
			}
			close(done)
			return
		}
	}()

	if view != nil {
		if err := view.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	} else {
		fmt.Printf("Logging %d registers every %s. Press Ctrl+C to stop.\n", holder.Load().Len(), cfg.Interval())
		<-done
	}

	shutdownDone := make(chan struct{})
	go func() {
		orch.Stop()
		if webServer != nil {
			webServer.Stop()
		}
		sinks.stop()
		close(shutdownDone)
	}()
	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
	}

	fmt.Println("Stopped")
	return nil
}

// setupDebugLog installs the global debug logger when requested by flag or
// by the config's debug switch.
func setupDebugLog(filter string, enabled bool) *logging.DebugLogger {
	if filter == "" && !enabled {
		return nil
	}
	l, err := logging.NewDebugLogger("debug.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		return nil
	}
	if filter == "all" || filter == "true" || filter == "1" {
		filter = ""
	}
	if unknown := l.SetFilter(filter); len(unknown) > 0 {
		fmt.Fprintf(os.Stderr, "Warning: unknown debug protocols %s (known: %s)\n",
			strings.Join(unknown, ", "), strings.Join(logging.KnownProtocols(), ", "))
	}
	logging.SetGlobalDebugLogger(l)
	return l
}

// runOnce performs a single cycle and prints the resulting record.
func runOnce(orch *cycle.Orchestrator, w io.Writer) error {
	res, err := orch.RunCycle()
	if err != nil {
		return err
	}
	if !res.Persisted {
		return fmt.Errorf("cycle failed: %s", res.Message)
	}
	rec, _ := orch.LastRecord()
	fmt.Fprintf(w, "%s  %s\n", rec.Timestamp, rec.ID)
	for _, e := range rec.Entries {
		value := tui.MissingValue
		if !e.Failed() {
			value = tui.FormatValue(e.Value)
		}
		fmt.Fprintf(w, "  %-16s %12s %s\n", e.Key, value, e.Unit)
	}
	return nil
}

// reloadCatalog rebuilds the register catalog from the config file and
// swaps it in. The next cycle picks it up; a running cycle is unaffected.
func reloadCatalog(path string, reader *modbus.Reader, holder *catalog.Holder) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cat, err := cfg.Catalog()
	if err != nil {
		return err
	}
	holder.Replace(reader.BootstrapRatios(cat))
	return nil
}

// logObserver writes a line per cycle to the debug log.
type logObserver struct{}

func (logObserver) CycleDone(res cycle.Result) {
	if res.Persisted {
		logging.DebugLog("cycle", "record %s: %d registers, %d failed, %v", res.ID, res.Registers, res.Failed, res.Duration)
		return
	}
	logging.DebugLog("cycle", "cycle failed: %s", res.Message)
}

// sinkSet owns every configured record sink.
type sinkSet struct {
	errLog *storage.ErrorLog
	file   *storage.FileSink
	sqlite *storage.SQLiteSink
	mqtt   *mqtt.Manager
	valkey *valkey.Manager
	kafka  *kafka.Manager
}

func openSinks(cfg *config.Config) (*sinkSet, error) {
	s := &sinkSet{}

	errLog, err := storage.OpenErrorLog(cfg.Logging.ErrorLog)
	if err != nil {
		return nil, fmt.Errorf("opening error log: %w", err)
	}
	s.errLog = errLog

	s.file, err = storage.NewFileSink(storage.FileConfig{
		Folder:         cfg.Logging.OutputFolder,
		FilenameFormat: cfg.Logging.FilenameFormat,
		Format:         cfg.Logging.Format,
		Enabled:        cfg.Logging.Enabled,
		IncludeHeader:  cfg.Logging.IncludeHeader,
	}, errLog)
	if err != nil {
		errLog.Close()
		return nil, err
	}

	if cfg.Logging.SQLitePath != "" {
		s.sqlite, err = storage.OpenSQLite(cfg.Logging.SQLitePath)
		if err != nil {
			errLog.Close()
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
	}

	s.mqtt = mqtt.NewManager()
	s.mqtt.LoadFromConfig(cfg.MQTT, cfg.Device)

	s.valkey = valkey.NewManager()
	s.valkey.LoadFromConfig(cfg.Valkey, cfg.Device)

	s.kafka = kafka.NewManager(cfg.Device)
	for _, kc := range cfg.Kafka {
		c := kafka.FromConfig(kc)
		s.kafka.AddCluster(&c)
	}

	return s, nil
}

// sink returns the fan-out handed to the orchestrator. The file sink
// forwards its failures to the error log.
func (s *sinkSet) sink() measure.Sink {
	sinks := storage.Multi{s.file}
	if s.sqlite != nil {
		sinks = append(sinks, s.sqlite)
	}
	return append(sinks, s.mqtt, s.valkey, s.kafka)
}

// LogFailure reports a process-level failure through every sink.
func (s *sinkSet) LogFailure(message string) {
	s.sink().LogFailure(message)
}

// start connects the publishers in the background.
func (s *sinkSet) start() {
	go s.mqtt.StartAll()
	go s.valkey.StartAll()
	s.kafka.ConnectEnabled()
}

func (s *sinkSet) stop() {
	s.mqtt.StopAll()
	s.valkey.StopAll()
	s.kafka.StopAll()
}

func (s *sinkSet) Close() {
	if s.sqlite != nil {
		s.sqlite.Close()
	}
	s.errLog.Close()
}
