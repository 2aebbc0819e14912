package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/gcs-go/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigSetCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "init",
		Short:       "Write a commented default config file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runConfigInit,
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <section.key> <value>",
		Short: "Set one config value, keeping comments and layout",
		Long: `Set one config value in the config file, creating the file if needed.
The file is left unchanged if the new value does not validate.

Example:
  gcs-go config set transfers.parallel_transfers 8`,
		Args:        cobra.ExactArgs(2),
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runConfigSet,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg.Config()

	if cc.Flags.JSON {
		out := *cfg
		if out.Auth.ClientSecret != "" {
			out.Auth.ClientSecret = "<redacted>"
		}

		return printJSON(cmd.OutOrStdout(), out)
	}

	return config.RenderEffective(cfg, cc.Cfg.Path(), cmd.OutOrStdout())
}

// configFilePath resolves the file config init and set write to: --config,
// then GCS_GO_CONFIG, then the platform default.
func configFilePath(cc *CLIContext) string {
	if cc.Flags.ConfigPath != "" {
		return cc.Flags.ConfigPath
	}

	if env := config.ReadEnvOverrides(); env.ConfigPath != "" {
		return env.ConfigPath
	}

	return config.DefaultConfigPath()
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	path := configFilePath(cc)

	if err := config.WriteTemplate(path); err != nil {
		return err
	}

	cc.Statusf("Wrote %s\n", path)

	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	path := configFilePath(cc)

	if err := config.SetKey(path, args[0], args[1]); err != nil {
		return fmt.Errorf("setting %s: %w", args[0], err)
	}

	cc.Statusf("Set %s = %s in %s\n", args[0], args[1], path)

	return nil
}
