package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"spritetel/internal/app"
)

const (
	exitCodeFailure = 1
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// run starts the service process.
// Params: none.
// Returns: process exit code.
func run() int {
	var (
		configPath string
		envFile    string
		showInfo   bool
	)

	flag.StringVar(&configPath, "config", "config.toml", "path to TOML config file or directory")
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before config expansion")
	flag.BoolVar(&showInfo, "v", false, "show build information")
	flag.BoolVar(&showInfo, "version", false, "show build information")
	flag.Parse()

	if showInfo {
		fmt.Printf("spritetel version=%s commit=%s date=%s\n", version, commit, date)
		return 0
	}

	if err := loadEnvFile(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCodeFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reloadSignal := make(chan os.Signal, 1)
	signal.Notify(reloadSignal, syscall.SIGHUP)
	defer signal.Stop(reloadSignal)

	reload := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloadSignal:
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		}
	}()

	if err := app.Run(ctx, app.Runtime{ConfigPath: configPath, Reload: reload}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCodeFailure
	}

	return 0
}

// loadEnvFile exports dotenv variables without overriding the process environment.
// Params: path dotenv file; empty disables loading; a missing file is not an error.
// Returns: parse error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

func main() {
	os.Exit(run())
}
