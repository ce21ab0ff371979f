package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/mariankugiel/patient-web-app-sub002/internal/config"
	"github.com/mariankugiel/patient-web-app-sub002/internal/daemon"
	"github.com/mariankugiel/patient-web-app-sub002/internal/profile"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

var profileFlag string

var rootCmd = &cobra.Command{
	Use:           "portald",
	Short:         "Patient portal messaging sync daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := resolveProfile()
		if err != nil {
			return err
		}
		app := fx.New(
			daemon.Module(daemon.Params{ProfileName: name}),
			fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
				return &fxevent.ZapLogger{Logger: l.Named("fx")}
			}),
		)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

var (
	initBaseURL     string
	initRealtimeURL string
	initForce       bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the config file and profile directory",
	Long: "Create ~/.portalsync/config.toml with defaults and the profile directory.\n" +
		"Put PORTALSYNC_API_TOKEN in the profile's .env file afterwards.",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := resolveProfile()
		if err != nil {
			return err
		}
		path := profile.ConfigPath()

		cfg, err := config.Load(path)
		switch {
		case err == nil && !initForce:
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			cfg = config.Default()
		default:
			return err
		}
		if cfg.DefaultProfile == "" {
			cfg.DefaultProfile = name
		}
		if initBaseURL != "" {
			cfg.API.BaseURL = initBaseURL
		}
		if initRealtimeURL != "" {
			cfg.Realtime.URL = initRealtimeURL
		}

		if err := config.Save(path, cfg); err != nil {
			return err
		}
		if err := profile.EnsureDir(name); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		fmt.Printf("Profile %q: add PORTALSYNC_API_TOKEN to %s\n", name, profile.EnvPath(name))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "portal API base URL")
	initCmd.Flags().StringVar(&initRealtimeURL, "realtime-url", "", "portal WebSocket URL")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

func resolveProfile() (string, error) {
	name := profile.Resolve(profileFlag)
	if err := profile.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
