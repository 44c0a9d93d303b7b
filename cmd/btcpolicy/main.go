// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// btcpolicy manages key aliases, compiles spending policy templates and
// collects partially signed transactions until they can be broadcast.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jessevdk/go-flags"
	"golang.org/x/term"
)

// errNoTerminal is returned when a password is needed but stdin isn't a
// terminal.
var errNoTerminal = errors.New("password required but stdin is not a " +
	"terminal")

func main() {
	if err := run(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}

		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run parses the configuration and executes the selected command.
func run() error {
	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	cfg := defaultConfig()
	parser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)

	if err := registerCommands(ctx, cfg, parser); err != nil {
		return err
	}

	if err := loadConfig(cfg, parser); err != nil {
		return err
	}

	// The handler runs after the command line is parsed, so the config is
	// final by the time it is validated.
	parser.CommandHandler = func(command flags.Commander,
		args []string) error {

		if command == nil {
			return nil
		}

		if cfg.DebugLevel == "show" {
			fmt.Println("Supported subsystems", supportedSubsystems())
			return nil
		}

		if err := setup(cfg); err != nil {
			return err
		}
		defer closeLogRotator()

		return command.Execute(args)
	}

	_, err := parser.Parse()

	return err
}

// setup validates the config and starts logging.
func setup(cfg *config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	logFile := filepath.Join(
		cfg.LogDir, cfg.netParams.Name, defaultLogFilename,
	)
	err := initLogRotator(logFile, cfg.MaxLogFileSize, cfg.MaxLogFiles)
	if err != nil {
		return err
	}

	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return err
	}

	log.Debugf("Using app dir %v on %v", cfg.AppDir, cfg.netParams.Name)

	return nil
}

// registerCommands adds all commands to the parser.
func registerCommands(ctx context.Context, cfg *config,
	parser *flags.Parser) error {

	commands := []interface {
		Register(parser *flags.Parser) error
	}{
		newKeysCommand(cfg),
		newCompileCommand(cfg),
		newPathCommand(cfg),
		newSignCommand(ctx, cfg),
		newMergeCommand(ctx, cfg),
	}

	for _, command := range commands {
		if err := command.Register(parser); err != nil {
			return err
		}
	}

	return nil
}

// promptPassword reads a password from the terminal. This requires there to
// be an actual TTY so passing in a password from stdin won't work.
func promptPassword(prompt string) (string, error) {
	fd := int(syscall.Stdin) // nolint:unconvert
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}

	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}

	return string(pw), nil
}
