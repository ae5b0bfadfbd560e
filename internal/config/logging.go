package config

import (
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
)

var subsystems = []string{
	"transport", "pairing", "call", "playback", "listen",
	"library", "record", "relay", "storage", "tunepair",
}

// Apply sets every tunepair logger to the configured level. Loggers of
// packages not linked into the binary are skipped; pion keeps its own.
func (l Log) Apply() error {
	lvl := l.level()
	for _, s := range subsystems {
		err := logging.SetLogLevel(s, lvl)
		if err != nil && !errors.Is(err, logging.ErrNoSuchLogger) {
			return fmt.Errorf("log.level %s: %w", s, err)
		}
	}
	return nil
}

func (l Log) level() string {
	if l.Level == "" {
		return "info"
	}
	return l.Level
}

func (l Log) validate() error {
	if _, err := logging.LevelFromString(l.level()); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}
