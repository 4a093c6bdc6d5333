package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"groovecore/internal/core"
	"groovecore/internal/infra/medium"
	"groovecore/internal/persist"
	"groovecore/pkg/domain"
)

// fileConfig mirrors the GROOVECORE_* environment variables so operators can
// keep medium settings in a file instead of the shell.
type fileConfig struct {
	Driver      string            `yaml:"driver"`
	QuotaBytes  int               `yaml:"quotaBytes"`
	SQLitePath  string            `yaml:"sqlitePath"`
	PostgresDSN string            `yaml:"postgresDSN"`
	S3          map[string]string `yaml:"s3"`
}

// applyConfigFile loads a YAML config and exports it as environment
// variables. Variables already set in the environment take precedence.
func applyConfigFile(path string) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	set := func(key, value string) {
		if value != "" && os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
	set("GROOVECORE_MEDIUM_DRIVER", cfg.Driver)
	if cfg.QuotaBytes > 0 {
		set("GROOVECORE_MEDIUM_QUOTA_BYTES", fmt.Sprint(cfg.QuotaBytes))
	}
	set("GROOVECORE_SQLITE_PATH", cfg.SQLitePath)
	set("GROOVECORE_POSTGRES_DSN", cfg.PostgresDSN)
	for key, value := range cfg.S3 {
		set("GROOVECORE_S3_"+strings.ToUpper(key), value)
	}
	return nil
}

// openService builds an engine instance on the environment-selected medium.
// The caller must Close it.
func openService(ctx context.Context) (*core.Service, error) {
	m, err := medium.OpenFromEnv(ctx)
	if err != nil {
		return nil, err
	}
	return core.New(ctx, core.Options{
		Medium: m,
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
}

func printYAML(cmd *cobra.Command, v any) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	cmd.OutOrStdout().Write(out)
	return nil
}

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state [path]",
		Short: "Print the stored state tree, or one dot path within it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			if len(args) == 0 {
				global, _, err := svc.GetState(ctx, "global")
				if err != nil {
					return err
				}
				entities, _, err := svc.GetState(ctx, "entities")
				if err != nil {
					return err
				}
				return printYAML(cmd, map[string]any{"global": global, "entities": entities})
			}
			v, ok, err := svc.GetState(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no state at path %q", args[0])
			}
			return printYAML(cmd, v)
		},
	}
}

func newPresetsCmd() *cobra.Command {
	presets := &cobra.Command{
		Use:   "presets",
		Short: "Manage stored presets",
	}

	presets.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List preset names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()
			for _, name := range svc.ListPresets() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	})

	var exportFile string
	export := &cobra.Command{
		Use:   "export <name>",
		Short: "Write one preset as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()
			p, ok := svc.Preset(args[0])
			if !ok {
				return fmt.Errorf("preset %q not found", args[0])
			}
			out, err := yaml.Marshal(p)
			if err != nil {
				return err
			}
			if exportFile == "" {
				cmd.OutOrStdout().Write(out)
				return nil
			}
			return os.WriteFile(exportFile, out, 0o644)
		},
	}
	export.Flags().StringVarP(&exportFile, "output", "o", "", "write to file instead of stdout")
	presets.AddCommand(export)

	var importFile string
	importCmd := &cobra.Command{
		Use:   "import <name>",
		Short: "Load a YAML preset into the live session and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if importFile == "" {
				return fmt.Errorf("--file is required")
			}
			raw, err := os.ReadFile(importFile)
			if err != nil {
				return err
			}
			var p domain.Preset
			if err := yaml.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("parse %s: %w", importFile, err)
			}

			ctx := cmd.Context()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()
			if err := svc.ImportPreset(ctx, args[0], p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported preset %q\n", args[0])
			return nil
		},
	}
	importCmd.Flags().StringVarP(&importFile, "file", "f", "", "YAML preset to import")
	presets.AddCommand(importCmd)

	presets.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Delete one stored preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()
			return svc.DeletePreset(ctx, args[0])
		},
	})

	return presets
}

func newResetCmd() *cobra.Command {
	var yes bool
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Factory-reset the store: all aggregates and presets are wiped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to reset without --yes")
			}
			ctx := cmd.Context()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()
			if err := svc.FactoryReset(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "store reset to factory defaults")
			return nil
		},
	}
	reset.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return reset
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Inspect the stored records and report anomalies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			m, err := medium.OpenFromEnv(ctx)
			if err != nil {
				return err
			}
			layer := persist.New(persist.Options{
				Medium: m,
				Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
			})
			infos, err := layer.Inspect(ctx)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "store is empty")
				return nil
			}
			var anomalies int
			for _, info := range infos {
				status := "ok"
				switch {
				case info.SchemaVersion == "":
					status = "UNREADABLE"
					anomalies++
				case info.SchemaVersion != persist.CurrentVersion(info.Key):
					status = fmt.Sprintf("needs migration to %s", persist.CurrentVersion(info.Key))
					anomalies++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s v%-3s %7dB compressed=%-5v %s\n",
					info.Key, info.SchemaVersion, info.Size, info.Compressed, status)
			}
			if anomalies > 0 {
				return fmt.Errorf("%d record(s) need attention", anomalies)
			}
			return nil
		},
	}
}
