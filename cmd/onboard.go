package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/loom/internal/config"
	"github.com/nextlevelbuilder/loom/internal/store"
	"github.com/nextlevelbuilder/loom/internal/store/sqlite"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup: write a config and add an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	cfg := config.Default()
	dataDir := cfg.Data.Dir
	model := cfg.Models.Default
	kind := string(store.AccountGemini)

	modelOpts := make([]huh.Option[string], 0, len(cfg.Models.Available))
	for _, m := range cfg.Models.Available {
		modelOpts = append(modelOpts, huh.NewOption(m, m))
	}

	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Data directory").
			Description("Database, blobs and session sandboxes live here").
			Value(&dataDir),
		huh.NewSelect[string]().
			Title("Default model").
			Options(modelOpts...).
			Value(&model),
		huh.NewSelect[string]().
			Title("Account type").
			Options(
				huh.NewOption("Gemini (OAuth)", string(store.AccountGemini)),
				huh.NewOption("OpenAI-compatible (API key)", string(store.AccountOpenAI)),
			).
			Value(&kind),
	))
	if err := form.Run(); err != nil {
		return err
	}

	acct := &store.Account{
		ID:      "a-" + uuid.NewString(),
		Kind:    store.AccountKind(kind),
		Name:    "default",
		Enabled: true,
	}
	switch acct.Kind {
	case store.AccountOpenAI:
		err := huh.NewForm(huh.NewGroup(
			huh.NewInput().Title("Account name").Value(&acct.Name),
			huh.NewInput().Title("API key").EchoMode(huh.EchoModePassword).Value(&acct.APIKey),
			huh.NewInput().
				Title("API base URL").
				Description("Leave empty for api.openai.com").
				Value(&acct.APIBase),
		)).Run()
		if err != nil {
			return err
		}
	case store.AccountGemini:
		err := huh.NewForm(huh.NewGroup(
			huh.NewInput().Title("Account name").Value(&acct.Name),
			huh.NewInput().Title("OAuth client ID").Value(&cfg.Gemini.ClientID),
			huh.NewInput().
				Title("OAuth client secret").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Gemini.ClientSecret),
			huh.NewInput().
				Title("Refresh token").
				Description("Obtained from the Google OAuth consent flow").
				EchoMode(huh.EchoModePassword).
				Value(&acct.RefreshToken),
		)).Run()
		if err != nil {
			return err
		}
	}

	cfg.Data.Dir = dataDir
	cfg.Models.Default = model
	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	cfgPath := resolveConfigPath()
	if err := writeConfig(cfgPath, cfg); err != nil {
		return err
	}

	db, err := sqlite.Open(cfg.Data.DBPath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.Stores().Accounts.Put(ctx, acct); err != nil {
		return fmt.Errorf("save account: %w", err)
	}

	fmt.Printf("Wrote %s and created account %q. Start the server with `loom serve`.\n", cfgPath, acct.Name)
	return nil
}

func writeConfig(path string, cfg *config.Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
