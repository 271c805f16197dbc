package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ilia-glushchenko/roomscanner/registration"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	initConfig = flag.Bool("init-config", false, "Write the default configuration to the -config path and exit")

	scanDir   = flag.String("scans", "", "Override input.dir (directory of PCD frames)")
	outputDir = flag.String("output", "", "Override visualization.output_dir")
	readFrom  = flag.Int("from", -1, "Override registration.read_from")
	readTo    = flag.Int("to", -1, "Override registration.read_to")
	readStep  = flag.Int("step", 0, "Override registration.read_step")
	loopSize  = flag.Int("loop-size", 0, "Override registration.fixed_loop_size")
	workers   = flag.Int("workers", -1, "Override workers (0 = min(NumCPU, 8))")
)

func main() {
	flag.Parse()
	fmt.Printf("roomscanner version: %s\n", Version)

	if *initConfig {
		if err := registration.SaveConfig(*configFile, registration.DefaultConfig()); err != nil {
			log.Fatalf("write default config: %v", err)
		}
		fmt.Printf("wrote default configuration to %s\n", *configFile)
		return
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApp(cfg)
	defer app.Close()
	if err := app.Run(ctx); err != nil {
		log.Fatalf("pipeline: %v", err)
	}
}

// loadConfig reads the configuration file, falling back to defaults when
// the default path does not exist. An explicitly given path must exist.
func loadConfig(path string) (*registration.Config, error) {
	cfg, err := registration.LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && !flagWasSet("config") {
		log.Printf("[PIPELINE] no %s, using defaults", path)
		return registration.DefaultConfig(), nil
	}
	return nil, err
}

// applyOverrides folds the command line flags into the configuration.
// Sentinel defaults (-1 for indices, 0 for counts, empty for paths) leave
// the configured values untouched.
func applyOverrides(cfg *registration.Config) {
	if *scanDir != "" {
		cfg.Input.Dir = *scanDir
	}
	if *outputDir != "" {
		cfg.Visualization.OutputDir = *outputDir
	}
	if *readFrom >= 0 {
		cfg.Registration.ReadFrom = *readFrom
	}
	if *readTo >= 0 {
		cfg.Registration.ReadTo = *readTo
	}
	if *readStep > 0 {
		cfg.Registration.ReadStep = *readStep
	}
	if *loopSize > 0 {
		cfg.Registration.FixedLoopSize = *loopSize
	}
	if *workers >= 0 {
		cfg.Workers = *workers
	}
}

func flagWasSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
