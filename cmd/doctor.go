package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/loom/internal/blob"
	"github.com/nextlevelbuilder/loom/internal/config"
	"github.com/nextlevelbuilder/loom/internal/store"
	"github.com/nextlevelbuilder/loom/internal/store/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the local installation for problems",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

type check struct {
	name string
	run  func() error
}

func runDoctor() {
	cfgPath := resolveConfigPath()
	var cfg *config.Config

	checks := []check{
		{"config loads", func() error {
			c, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			cfg = c
			if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
				return fmt.Errorf("no file at %s, using defaults (run `loom onboard`)", cfgPath)
			}
			return nil
		}},
		{"data dir writable", func() error {
			if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
				return err
			}
			probe := filepath.Join(cfg.Data.Dir, ".doctor-probe")
			if err := os.WriteFile(probe, nil, 0o600); err != nil {
				return err
			}
			return os.Remove(probe)
		}},
		{"database opens and migrates", func() error {
			db, err := sqlite.Open(cfg.Data.DBPath())
			if err != nil {
				return err
			}
			return db.Close()
		}},
		{"accounts configured", func() error {
			db, err := sqlite.Open(cfg.Data.DBPath())
			if err != nil {
				return err
			}
			defer db.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			accounts, err := db.Stores().Accounts.List(ctx, store.AccountKind(""))
			if err != nil {
				return err
			}
			enabled := 0
			for _, a := range accounts {
				if a.Enabled {
					enabled++
				}
			}
			if enabled == 0 {
				return fmt.Errorf("no enabled accounts (run `loom onboard`)")
			}
			return nil
		}},
		{"blob store opens", func() error {
			_, err := blob.Open(cfg.Data.BlobDir())
			return err
		}},
	}

	failed := 0
	for _, c := range checks {
		if cfg == nil && c.name != "config loads" {
			fmt.Printf("  skip  %s\n", c.name)
			continue
		}
		if err := c.run(); err != nil {
			failed++
			fmt.Printf("  FAIL  %s: %v\n", c.name, err)
			continue
		}
		fmt.Printf("  ok    %s\n", c.name)
	}
	if failed > 0 {
		os.Exit(1)
	}
}
