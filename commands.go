package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petervdpas/tunepair/internal/app"
	"github.com/petervdpas/tunepair/internal/config"
)

func initCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "init <directory>",
		Short: "Create a device folder with a tunepair.json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			cfgPath := filepath.Join(dir, config.FileName)
			cfg, created, err := config.Ensure(cfgPath)
			if err != nil {
				return err
			}
			if !created {
				fmt.Printf("Using existing %s\n", cfgPath)
			}
			if !yes {
				cfg = app.PromptInteractive(os.Stdin, dir, cfgPath, cfg)
				if err := config.Save(cfgPath, cfg); err != nil {
					return err
				}
			}
			fmt.Printf("Wrote %s\n", cfgPath)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "accept defaults without prompting")
	return cmd
}

func sourceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "source <directory>",
		Short: "Pair with a sink and stream the music library to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := loadDevice(args[0], "source")
			if err != nil {
				return err
			}
			printBanner(o, "Source")
			return withSignals(func(ctx context.Context) error {
				return app.RunSource(ctx, o)
			})
		},
	}
}

func sinkCmd() *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "sink <directory>",
		Short: "Pair with a source and receive its stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := loadDevice(args[0], "sink")
			if err != nil {
				return err
			}
			printBanner(o, "Sink")
			return withSignals(func(ctx context.Context) error {
				return app.RunSink(ctx, o, code)
			})
		},
	}
	cmd.Flags().StringVarP(&code, "code", "c", "", "6-digit pairing code shown by the source")
	return cmd
}

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay <directory>",
		Short: "Run the development relay (signaling, playback and pairing API)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := loadDevice(args[0], "")
			if err != nil {
				return err
			}
			printBanner(o, "Relay")
			return withSignals(func(ctx context.Context) error {
				return app.RunRelay(ctx, o)
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		user string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <directory>",
		Short: "Mint a relay token (written to auth.token_file when set)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := loadDevice(args[0], "")
			if err != nil {
				return err
			}
			tok, err := app.MintToken(o, user, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id the token is issued to")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime (0 = no expiry)")
	cmd.MarkFlagRequired("user")
	return cmd
}

// loadDevice loads the config of a device folder. A non-empty kind
// overrides device.kind for this run.
func loadDevice(dirArg, kind string) (app.Options, error) {
	dir, err := filepath.Abs(dirArg)
	if err != nil {
		return app.Options{}, fmt.Errorf("invalid directory: %w", err)
	}
	if stat, err := os.Stat(dir); err != nil || !stat.IsDir() {
		return app.Options{}, fmt.Errorf("directory does not exist: %s", dir)
	}

	cfgPath := filepath.Join(dir, config.FileName)
	cfg, err := config.Load(cfgPath)
	if errors.Is(err, os.ErrNotExist) {
		return app.Options{}, fmt.Errorf("no %s in %s; run tunepair init first", config.FileName, dir)
	}
	if err != nil {
		return app.Options{}, fmt.Errorf("load config: %w", err)
	}
	if kind != "" {
		cfg.Device.Kind = kind
	}
	if err := cfg.Log.Apply(); err != nil {
		return app.Options{}, err
	}
	return app.Options{Dir: dir, CfgPath: cfgPath, Cfg: cfg}, nil
}

func withSignals(run func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			fmt.Println("\nShutting down gracefully...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return run(ctx)
}

func printBanner(o app.Options, role string) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Printf("║ %-54s ║\n", "tunepair "+role)
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Device Folder: %s\n", o.Dir)
	fmt.Printf("Config File:   %s\n", o.CfgPath)
	if role != "Relay" {
		fmt.Printf("Device Name:   %s\n", o.Cfg.Device.Name)
		fmt.Printf("Signaling:     %s\n", o.Cfg.Signaling.WSBaseURL)
	}
	fmt.Println()
	fmt.Println("(Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
