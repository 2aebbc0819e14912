package config

import (
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
)

// redacted replaces secrets in rendered output.
const redacted = "<redacted>"

// RenderEffective writes the effective configuration as TOML, after all
// override layers have been applied. Secrets are redacted. The output is
// itself a valid config file.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	out := *cfg
	if out.Auth.ClientSecret != "" {
		out.Auth.ClientSecret = redacted
	}

	if _, err := fmt.Fprintf(w, "# Effective configuration (file: %s)\n\n", displayPath(path)); err != nil {
		return err
	}

	if err := toml.NewEncoder(w).Encode(out); err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}

	return nil
}

func displayPath(path string) string {
	if path == "" {
		return "none"
	}

	return path
}
