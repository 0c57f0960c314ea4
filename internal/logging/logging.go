// Package logging configures the subsystem loggers used across the client.
// Every package declares its own go-log logger (transport, notify, call, ...);
// this package only sets formats and levels.
package logging

import (
	"errors"
	"fmt"

	golog "github.com/ipfs/go-log/v2"
)

// Subsystems lists the logger names registered by the client packages.
var Subsystems = []string{"app", "config", "store", "toast", "transport", "presence", "notify", "call", "viewer"}

// Setup initialises output and applies the global and per-subsystem levels.
func Setup(level string, subsystems map[string]string, debug bool) error {
	lvl, err := golog.LevelFromString(level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	format := golog.PlaintextOutput
	if debug {
		format = golog.ColorizedOutput
	}
	golog.SetupLogging(golog.Config{
		Format: format,
		Stderr: true,
		Level:  lvl,
	})
	return Apply(level, subsystems)
}

// Apply changes levels at runtime. Used by the config watcher.
func Apply(level string, subsystems map[string]string) error {
	for _, name := range Subsystems {
		if err := setLevel(name, level); err != nil {
			return err
		}
	}
	for name, lvl := range subsystems {
		if err := setLevel(name, lvl); err != nil {
			return err
		}
	}
	return nil
}

// setLevel ignores loggers that were never registered (package not linked in).
func setLevel(name, level string) error {
	err := golog.SetLogLevel(name, level)
	if err == nil || errors.Is(err, golog.ErrNoSuchLogger) {
		return nil
	}
	return fmt.Errorf("log level %s=%q: %w", name, level, err)
}
