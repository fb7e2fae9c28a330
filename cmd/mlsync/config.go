package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/homefeed/mlsync/internal/config"
	"github.com/homefeed/mlsync/internal/listing"
	"github.com/homefeed/mlsync/internal/provider"
	"github.com/homefeed/mlsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Create or inspect the configuration",
}

// initInput holds the values collected by config init.
type initInput struct {
	path     string
	force    bool
	yes      bool
	database string
	provider string
	protocol string
	baseURL  string
	tokenEnv string
	entities bool
}

var configInitFlags initInput

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Write a starter mlsync.yaml with one provider.

On a terminal the values are collected with an interactive form; flags
pre-fill it. With --yes (or without a terminal) the flags are used as-is.
Tokens are never written: the file names the environment variable that
holds each provider's token.`,
	Example: `  mlsync config init
  mlsync config init --yes --provider ProviderA --protocol offset \
      --base-url https://api.provider-a.example/v2 --token-env PROVIDER_A_TOKEN`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configShowFlags struct {
	secrets bool
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file, .env and
MLSYNC_* environment overrides are applied. Tokens are redacted unless
--show-secrets is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if f := cfg.File(); f != "" {
			fmt.Fprintf(os.Stderr, "%s\n", ui.RenderMuted("# "+f))
		}
		out, err := config.Render(cfg, configShowFlags.secrets)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func init() {
	f := configInitCmd.Flags()
	f.StringVar(&configInitFlags.path, "path", "mlsync.yaml", "file to write")
	f.BoolVar(&configInitFlags.force, "force", false, "overwrite an existing file")
	f.BoolVarP(&configInitFlags.yes, "yes", "y", false, "skip the interactive form")
	f.StringVar(&configInitFlags.database, "database", config.Default().Database, "database path")
	f.StringVar(&configInitFlags.provider, "provider", "", "provider name")
	f.StringVar(&configInitFlags.protocol, "protocol", string(provider.ProtocolOffset), "pagination protocol: offset or cursor")
	f.StringVar(&configInitFlags.baseURL, "base-url", "", "provider API base URL")
	f.StringVar(&configInitFlags.tokenEnv, "token-env", "", "environment variable holding the token")
	f.BoolVar(&configInitFlags.entities, "entities", false, "also sync Member and Office feeds nightly")

	configShowCmd.Flags().BoolVar(&configShowFlags.secrets, "show-secrets", false, "print tokens in clear")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	in := &configInitFlags
	if in.tokenEnv == "" && in.provider != "" {
		in.tokenEnv = defaultTokenEnv(in.provider)
	}

	if !in.yes && ui.IsTerminal(os.Stdin) {
		if err := configForm(in).Run(); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return exitCode(1)
			}
			return err
		}
	}

	p, err := initProvider(in)
	if err != nil {
		return err
	}
	cfg := config.Default()
	cfg.Database = in.database
	cfg.Providers[strings.ToLower(p.Source)] = p

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.WriteFile(in.path, cfg, in.force); err != nil {
		return err
	}

	fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), in.path)
	fmt.Printf("\nNext steps:\n")
	fmt.Printf("  export %s=<token>    (or add it to .env)\n", p.TokenEnv)
	fmt.Printf("  mlsync sync %s --test\n", p.Source)
	fmt.Printf("  mlsync sync %s --full\n", p.Source)
	return nil
}

func configForm(in *initInput) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Provider name").
				Description("Written as the source of every listing from this feed.").
				Value(&in.provider).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("provider name is required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Pagination protocol").
				Options(
					huh.NewOption("offset (limit/offset, {bundle, total})", string(provider.ProtocolOffset)),
					huh.NewOption("cursor (OData @odata.nextLink)", string(provider.ProtocolCursor)),
				).
				Value(&in.protocol),
			huh.NewInput().
				Title("Base URL").
				Placeholder("https://api.example.com/v2").
				Value(&in.baseURL).
				Validate(validateBaseURL),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Token environment variable").
				DescriptionFunc(func() string {
					return "Leave empty for " + defaultTokenEnv(in.provider)
				}, &in.provider).
				Value(&in.tokenEnv),
			huh.NewInput().
				Title("Database path").
				Value(&in.database),
			huh.NewConfirm().
				Title("Sync Member and Office feeds nightly?").
				Value(&in.entities),
		),
	)
}

func initProvider(in *initInput) (config.Provider, error) {
	name := strings.TrimSpace(in.provider)
	if name == "" {
		return config.Provider{}, errors.New("--provider is required")
	}
	if err := validateBaseURL(in.baseURL); err != nil {
		return config.Provider{}, err
	}
	p := config.Provider{
		Source:   name,
		Protocol: provider.Protocol(in.protocol),
		BaseURL:  strings.TrimRight(in.baseURL, "/"),
		TokenEnv: in.tokenEnv,
	}
	if p.TokenEnv == "" {
		p.TokenEnv = defaultTokenEnv(name)
	}
	if in.entities {
		p.Entities = []string{listing.FeedMember, listing.FeedOffice}
	}
	return p, nil
}

func validateBaseURL(s string) error {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base URL %q must be an absolute http(s) URL", s)
	}
	return nil
}

func defaultTokenEnv(name string) string {
	name = strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(strings.TrimSpace(name))
	return config.EnvPrefix + "_" + strings.ToUpper(name) + "_TOKEN"
}
