// Command spiavr-host runs SPI transactions on a bridge firmware, or on a
// simulated one with -sim.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/physic"

	"spiavr/bridge"
	"spiavr/config"
	"spiavr/host/mcu"
	"spiavr/sim"
)

var (
	device     = flag.String("device", "", "Serial device path (overrides config)")
	baud       = flag.Int("baud", 0, "Baud rate (overrides config)")
	configPath = flag.String("config", "", "Bench configuration file (JSON)")
	mode       = flag.Int("mode", -1, "SPI mode 0-3 (overrides config)")
	simulate   = flag.Bool("sim", false, "Run against a simulated peripheral that echoes")
	verbose    = flag.Bool("verbose", false, "Enable verbose output")
	ceiling    physic.Frequency
)

func init() {
	flag.Var(&ceiling, "ceiling", "Highest bus clock, e.g. 4MHz (overrides config)")
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] hexbytes...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logger, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger.Sugar()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(logger *zap.SugaredLogger) error {
	bench, err := loadBench()
	if err != nil {
		return err
	}
	out, err := parseHex(flag.Args())
	if err != nil {
		return err
	}
	if len(out) == 0 {
		flag.Usage()
		return errors.New("nothing to send")
	}

	if !*simulate {
		if bench.Device == "" {
			return errors.New("no device: pass -device, set it in -config or use -sim")
		}
		m, err := mcu.Connect(bench, logger)
		if err != nil {
			return err
		}
		defer m.Close()
		return transfer(m, out)
	}

	// Firmware and host share a pipe; the simulated partner echoes
	hostConn, fwConn := net.Pipe()
	p := sim.New(sim.Echo)
	srv := bridge.NewServer(p.Registers(), p)
	p.SetHandler(srv.HandleInterrupt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.Run(ctx)
		return nil
	})
	g.Go(func() error {
		defer fwConn.Close()
		return srv.Serve(ctx, fwConn)
	})

	bench.Device = "sim"
	m, err := mcu.ConnectPort(hostConn, bench, logger)
	if err != nil {
		return err
	}
	err = transfer(m, out)
	m.Close()
	cancel()
	if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) && err == nil {
		err = werr
	}
	return err
}

func transfer(m *mcu.MCU, out []byte) error {
	in, err := m.Transfer(out)
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(in))
	return nil
}

func loadBench() (*config.Bench, error) {
	bench := config.DefaultBench()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if bench, err = config.Load(data); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", *configPath, err)
		}
	}

	if *device != "" {
		bench.Device = *device
	}
	if *baud != 0 {
		bench.Baud = *baud
	}
	if *mode >= 0 {
		bench.Mode = uint8(*mode)
	}
	if ceiling != 0 {
		bench.Ceiling = ceiling.String()
	}
	if err := bench.Validate(); err != nil {
		return nil, err
	}
	return bench, nil
}

// parseHex accepts "0a0b", "0a 0b" and "0x0a"
func parseHex(args []string) ([]byte, error) {
	var out []byte
	for _, arg := range args {
		arg = strings.TrimPrefix(strings.ToLower(arg), "0x")
		b, err := hex.DecodeString(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid hex %q: %w", arg, err)
		}
		out = append(out, b...)
	}
	return out, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
