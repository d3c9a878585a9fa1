// Metersim - Modbus TCP slave simulating a power meter
//
// Serves the holding registers named in a fieldlog configuration so the
// logger can be exercised without hardware. Point the logger at it with
// communication.transport: tcp and communication.address.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/tbrandon/mbserver"

	"fieldlog/catalog"
	"fieldlog/config"
)

// Version is set at build time via -ldflags
var Version = "dev"

// rawValues collects repeated -set key=value flags.
type rawValues map[string]uint16

func (r rawValues) String() string {
	parts := make([]string, 0, len(r))
	for k, v := range r {
		parts = append(parts, fmt.Sprintf("%s=%d", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (r rawValues) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(value), 0, 16)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	r[strings.TrimSpace(key)] = uint16(n)
	return nil
}

func main() {
	overrides := rawValues{}

	configPath := flag.String("config", config.DefaultPath(), "Path to the fieldlog configuration file")
	listen := flag.String("listen", "127.0.0.1:5020", "Modbus TCP listen address")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Var(overrides, "set", "Raw register value as key=value (repeatable)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("metersim %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	cat, err := cfg.Catalog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	serv := mbserver.NewServer()
	if err := preload(serv.HoldingRegisters, cat, overrides); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := serv.ListenTCP(*listen); err != nil {
		fmt.Fprintf(os.Stderr, "Error listening on %s: %v\n", *listen, err)
		os.Exit(1)
	}
	defer serv.Close()

	fmt.Printf("Serving %d registers on %s. Press Ctrl+C to stop.\n", cat.Len(), *listen)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Println("Stopped")
}

// preload writes a raw value for every catalog register at its physical
// address. Registers without an override get DefaultRaw. The ratio
// registers, when configured, hold the configured ratios.
func preload(regs []uint16, cat *catalog.Catalog, overrides rawValues) error {
	for key := range overrides {
		if _, ok := cat.Lookup(key); !ok {
			return fmt.Errorf("-set %s: no such register", key)
		}
	}

	settings := cat.Settings()
	for _, def := range cat.Definitions() {
		value, ok := overrides[def.Key]
		if !ok {
			value = DefaultRaw(def)
		}
		regs[settings.PhysicalAddress(def.Address)] = value
	}

	if settings.VTRRegister != nil {
		regs[settings.PhysicalAddress(*settings.VTRRegister)] = uint16(settings.VTR)
	}
	if settings.CTRRegister != nil {
		regs[settings.PhysicalAddress(*settings.CTRRegister)] = uint16(settings.CTR)
	}
	return nil
}

// DefaultRaw derives a stable raw value from the register's unit so that
// scaled values land in a plausible range.
func DefaultRaw(def catalog.RegisterDefinition) uint16 {
	switch strings.ToUpper(def.Unit) {
	case "V":
		return 2300 // 230.0 with val/10
	case "A":
		return 150 // 1.50 with val/100
	case "HZ":
		return 5000 // 50.00 with val/100
	case "KW", "W":
		return 345
	case "KWH", "WH":
		return 12345
	case "PF", "":
		return 98
	default:
		return 100 + def.Address%900
	}
}
