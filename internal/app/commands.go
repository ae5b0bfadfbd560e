package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	errQuit               = errors.New("quit")
	errReconnectExhausted = errors.New("gave up reconnecting")
)

type command struct {
	name string
	arg  string
}

var aliases = map[string]string{
	"p":      "play",
	"resume": "play",
	"n":      "next",
	"prev":   "previous",
	"b":      "previous",
	"back":   "previous",
	"volume": "vol",
	"ls":     "list",
	"s":      "status",
	"q":      "quit",
	"exit":   "quit",
	"?":      "help",
}

func parseCommand(line string) (command, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, false
	}
	name := strings.ToLower(fields[0])
	if a, ok := aliases[name]; ok {
		name = a
	}
	return command{name: name, arg: strings.Join(fields[1:], " ")}, true
}

// parsePosition accepts seconds ("95", "95.5") or minutes:seconds ("1:35")
// and returns milliseconds.
func parsePosition(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("missing position")
	}
	var mins float64
	if m, rest, ok := strings.Cut(s, ":"); ok {
		n, err := strconv.ParseUint(m, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid minutes %q", m)
		}
		mins, s = float64(n), rest
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("invalid seconds %q", s)
	}
	return int64((mins*60 + secs) * 1000), nil
}

func formatPosition(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	sec := ms / 1000
	return fmt.Sprintf("%d:%02d", sec/60, sec%60)
}

// readCommands feeds each input line to handle until the input ends, ctx
// is cancelled or handle returns an error. errQuit ends it cleanly.
func readCommands(ctx context.Context, r io.Reader, handle func(command) error) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// Input closed; keep running until cancelled.
				<-ctx.Done()
				return nil
			}
			cmd, ok := parseCommand(line)
			if !ok {
				continue
			}
			err := handle(cmd)
			if errors.Is(err, errQuit) {
				return errQuit
			}
			if err != nil {
				log.Warnw("command failed", "command", cmd.name, "err", err)
			}
		}
	}
}
