package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rescale/market-publish/internal/config"
	inthttp "github.com/rescale/market-publish/internal/http"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage market-publish configuration",
		Long: `Configuration management commands for market-publish.

Commands:
  init  - Interactive configuration setup
  show  - Display current configuration (secrets masked)
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.GetDefaultConfigPath()
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long: `Interactive configuration setup for market-publish.

The configuration is saved to ~/.config/market-publish/config (or the file
given with --config) with 0600 permissions. Credentials can be left empty
and supplied through MYKET_USERNAME, MYKET_PASSWORD and BAZAAR_API_KEY.

Use --force to overwrite an existing configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if path == "" {
				return fmt.Errorf("could not determine config path; use --config")
			}
			out := cmd.OutOrStdout()

			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(out, "Configuration already exists at: %s\n", path)
					fmt.Fprintln(out, "Use --force to overwrite or run 'config show' to view it.")
					return nil
				}
			}

			cfg, err := config.LoadConfig(path)
			if err != nil {
				return err
			}
			if err := runConfigWizard(cfg, newPrompter(cmd.InOrStdin(), out)); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.SaveConfig(cfg, path); err != nil {
				return err
			}

			GetLogger().Info().Str("path", path).Msg("Configuration saved")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")
	return cmd
}

func runConfigWizard(cfg *config.Config, p *prompter) error {
	fmt.Fprintln(p.out, "market-publish configuration")
	fmt.Fprintln(p.out, "============================")
	fmt.Fprintln(p.out)

	var err error
	fmt.Fprintln(p.out, "Myket")
	if cfg.MyketUsername, err = p.ask("  Username (email or phone)", cfg.MyketUsername); err != nil {
		return err
	}
	if cfg.MyketPassword, err = p.askSecret("  Password", cfg.MyketPassword); err != nil {
		return err
	}

	fmt.Fprintln(p.out, "Bazaar")
	if cfg.BazaarAPIKey, err = p.askSecret("  Pishkhan API secret", cfg.BazaarAPIKey); err != nil {
		return err
	}

	fmt.Fprintln(p.out, "Network")
	if cfg.ProxyMode, err = p.ask("  Proxy mode (no-proxy, system, basic, ntlm)", cfg.ProxyMode); err != nil {
		return err
	}
	switch cfg.ProxyMode {
	case inthttp.ProxyModeNone, inthttp.ProxyModeSystem:
	case inthttp.ProxyModeBasic, inthttp.ProxyModeNTLM:
		if cfg.ProxyHost, err = p.ask("  Proxy host", cfg.ProxyHost); err != nil {
			return err
		}
		defPort := cfg.ProxyPort
		if defPort == 0 {
			defPort = 8080
		}
		port, err := p.ask("  Proxy port", strconv.Itoa(defPort))
		if err != nil {
			return err
		}
		if cfg.ProxyPort, err = strconv.Atoi(port); err != nil {
			return fmt.Errorf("invalid proxy port %q", port)
		}
		if cfg.ProxyUser, err = p.ask("  Proxy user", cfg.ProxyUser); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported proxy mode %q", cfg.ProxyMode)
	}
	return nil
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the effective configuration: the config file merged with
environment variables. Secrets are masked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.MergeWithFlags(config.Overrides{}); err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), configPath(), cfg)
			return nil
		},
	}
}

func printConfig(w io.Writer, path string, cfg *config.Config) {
	m := cfg.Masked()
	fmt.Fprintf(w, "Config file: %s\n\n", path)
	fmt.Fprintln(w, "[myket]")
	fmt.Fprintf(w, "  api_url         = %s\n", m.MyketAPIURL)
	fmt.Fprintf(w, "  resource_url    = %s\n", m.MyketResourceURL)
	fmt.Fprintf(w, "  upload_url      = %s\n", m.MyketUploadURL)
	fmt.Fprintf(w, "  username        = %s\n", m.MyketUsername)
	fmt.Fprintf(w, "  password        = %s\n", m.MyketPassword)
	fmt.Fprintln(w, "[bazaar]")
	fmt.Fprintf(w, "  api_url         = %s\n", m.BazaarAPIURL)
	fmt.Fprintf(w, "  api_key         = %s\n", m.BazaarAPIKey)
	fmt.Fprintln(w, "[network]")
	fmt.Fprintf(w, "  proxy_mode      = %s\n", m.ProxyMode)
	if m.ProxyHost != "" {
		fmt.Fprintf(w, "  proxy           = %s:%d (user %q)\n", m.ProxyHost, m.ProxyPort, m.ProxyUser)
	}
	fmt.Fprintf(w, "  request_timeout = %s\n", m.RequestTimeout)
	fmt.Fprintf(w, "  chunk_timeout   = %s\n", m.ChunkTimeout)
	fmt.Fprintf(w, "  deadline        = %s\n", m.Deadline)
	fmt.Fprintf(w, "  retry_max       = %d\n", m.RetryMax)
	fmt.Fprintln(w, "[upload]")
	fmt.Fprintf(w, "  chunk_size      = %d\n", m.ChunkSize)
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), configPath())
			return nil
		},
	}
}
