// Package main is the entry point for the token overlay.
// It loads configuration, starts the services, and runs the Bubble Tea
// program.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/choobs96/token-overlay/internal/app"
	"github.com/choobs96/token-overlay/internal/config"
	"github.com/choobs96/token-overlay/internal/services"
	"github.com/choobs96/token-overlay/internal/version"
)

func main() {
	mini := flag.Bool("mini", false, "start in compact single-line mode")
	showVersion := flag.Bool("version", false, "show version information")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	if err := run(*mini); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run contains the main application logic, separated for cleaner error handling.
func run(mini bool) error {
	cfg, err := config.Load()
	if err != nil {
		var firstRun *config.FirstRunError
		if errors.As(err, &firstRun) {
			if werr := config.WriteTemplate(firstRun.Path); werr != nil {
				return fmt.Errorf("failed to write config template: %w", werr)
			}
			fmt.Fprintf(os.Stderr, "No configuration found.\n")
			fmt.Fprintf(os.Stderr, "A template was written to %s: fill in api_key, user_email, dataset, and environment.\n", firstRun.Path)
			os.Exit(2)
		}
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Starts the refresh scheduler and the update checker.
	svcManager, err := services.NewManager(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer func() {
		if closeErr := svcManager.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: error closing services: %v\n", closeErr)
		}
	}()

	model := app.New(svcManager, mini)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	p := tea.NewProgram(model, tea.WithAltScreen())

	go func() {
		<-sigChan
		p.Send(tea.Quit())
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}

	return nil
}

// printUsage prints the command-line usage information.
func printUsage() {
	fmt.Println(`Token Overlay - token usage and cost monitor

Usage:
  overlay [flags]

Flags:
  -h, --help      Show this help message
  --mini          Start in compact single-line mode
  --version       Show version information

Keyboard Shortcuts:
  1-3             Switch views (Overall, Daily, 30 min)
  Tab             Next view
  r               Refresh now
  m               Toggle mini mode
  q               Quit`)
}
