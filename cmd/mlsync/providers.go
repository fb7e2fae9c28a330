package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/homefeed/mlsync/internal/config"
	"github.com/homefeed/mlsync/internal/ui"
)

var providersFlags struct {
	test   bool
	format string
}

// ProviderInfo describes one configured provider.
type ProviderInfo struct {
	Name     string   `json:"name" yaml:"name"`
	Source   string   `json:"source" yaml:"source"`
	Protocol string   `json:"protocol" yaml:"protocol"`
	BaseURL  string   `json:"base_url" yaml:"base_url"`
	Token    bool     `json:"token_set" yaml:"token_set"`
	Statuses []string `json:"statuses,omitempty" yaml:"statuses,omitempty"`
	Entities []string `json:"entities,omitempty" yaml:"entities,omitempty"`
	Disabled bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Test     string   `json:"test,omitempty" yaml:"test,omitempty"`
}

var providersCmd = &cobra.Command{
	Use:     "providers",
	GroupID: "inspect",
	Short:   "List configured providers",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkFormat(providersFlags.format); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var infos []ProviderInfo
		failed := false
		for _, key := range cfg.ProviderNames() {
			p := cfg.Providers[key]
			info := providerInfo(key, p)
			if providersFlags.test && !p.Disabled {
				info.Test = "ok"
				client, err := newClient(p, os.Stderr)
				if err == nil {
					_, err = client.Test(cmd.Context())
				}
				if err != nil {
					info.Test = err.Error()
					failed = true
				}
			}
			infos = append(infos, info)
		}

		if providersFlags.format != formatText {
			if err := writeStructured(os.Stdout, providersFlags.format, infos); err != nil {
				return err
			}
		} else {
			printProviders(infos)
		}
		if failed {
			return exitCode(1)
		}
		return nil
	},
}

func init() {
	providersCmd.Flags().BoolVar(&providersFlags.test, "test", false, "check connectivity of each enabled provider")
	providersCmd.Flags().StringVar(&providersFlags.format, "format", formatText, "output format: text, json or yaml")
	rootCmd.AddCommand(providersCmd)
}

func providerInfo(key string, p config.Provider) ProviderInfo {
	cc := p.ClientConfig()
	return ProviderInfo{
		Name:     key,
		Source:   p.Source,
		Protocol: string(cc.Protocol),
		BaseURL:  p.BaseURL,
		Token:    p.Token != "",
		Statuses: p.Statuses,
		Entities: p.Entities,
		Disabled: p.Disabled,
	}
}

func printProviders(infos []ProviderInfo) {
	if len(infos) == 0 {
		fmt.Println("No providers configured. Run 'mlsync config init' to add one.")
		return
	}
	headers := []string{"NAME", "SOURCE", "PROTOCOL", "TOKEN", "STATUSES", "ENTITIES", "BASE URL"}
	withTest := providersFlags.test
	if withTest {
		headers = append(headers, "TEST")
	}
	rows := make([][]string, 0, len(infos))
	for _, in := range infos {
		token := ui.RenderPass("set")
		if !in.Token {
			token = ui.RenderWarn("missing")
		}
		name := in.Name
		if in.Disabled {
			name += ui.RenderMuted(" (disabled)")
		}
		row := []string{name, in.Source, in.Protocol, token, joinOrDash(in.Statuses), joinOrDash(in.Entities), in.BaseURL}
		if withTest {
			switch in.Test {
			case "":
				row = append(row, "-")
			case "ok":
				row = append(row, ui.RenderPass("✓ ok"))
			default:
				row = append(row, ui.RenderFail("✗ "+in.Test))
			}
		}
		rows = append(rows, row)
	}
	fmt.Println(ui.Table(headers, rows))
}
