package app

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/petervdpas/tunepair/internal/config"
)

// PromptInteractive walks through the settings a new device directory needs.
func PromptInteractive(in io.Reader, dir, cfgPath string, cfg config.Config) config.Config {
	r := bufio.NewReader(in)

	fmt.Println("────────────────────────────────────────")
	fmt.Println("tunepair setup")
	fmt.Printf(" Device folder : %s\n", dir)
	fmt.Printf(" Config file   : %s\n", cfgPath)
	fmt.Println("────────────────────────────────────────")
	fmt.Println()

	cfg.Device.Name = askString(r, "Device name", cfg.Device.Name)
	cfg.Device.Kind = askChoice(r, "Role", cfg.Device.Kind, "source", "sink")

	cfg.Signaling.WSBaseURL = askString(r, "Websocket base URL", cfg.Signaling.WSBaseURL)
	cfg.Services.PairingURL = askString(r, "Pairing service URL", cfg.Services.PairingURL)

	if cfg.Device.Kind == "source" {
		cfg.Media.LibraryDir = askString(r, "Music directory", cfg.Media.LibraryDir)
	} else {
		cfg.Media.RecordPath = askString(r, "Record received audio to (empty=off)", cfg.Media.RecordPath)
	}

	if askBool(r, "Run the development relay from this folder", cfg.Relay.JWTSecret != "") {
		cfg.Relay.Port = askInt(r, "Relay port", cfg.Relay.Port)
		cfg.Relay.JWTSecret = askString(r, "Relay JWT secret", cfg.Relay.JWTSecret)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, label, def string) string {
	fmt.Printf("%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askChoice(in *bufio.Reader, label, def string, choices ...string) string {
	for {
		s := askString(in, fmt.Sprintf("%s (%s)", label, strings.Join(choices, "/")), def)
		for _, c := range choices {
			if strings.EqualFold(s, c) {
				return c
			}
		}
		fmt.Printf("Please enter one of: %s.\n", strings.Join(choices, ", "))
	}
}

func askInt(in *bufio.Reader, label string, def int) int {
	for {
		fmt.Printf("%s [%d]: ", label, def)
		s, _ := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		fmt.Println("Please enter a number.")
	}
}

func askBool(in *bufio.Reader, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Printf("%s [y/n] (default=%s): ", label, defStr)
		s, _ := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		default:
			fmt.Println("Please enter y or n.")
		}
	}
}

func writeTokenFile(path, tok string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(tok+"\n"), 0o600)
}
