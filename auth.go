package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/gcs-go/internal/config"
	"github.com/tonimelisma/gcs-go/internal/tokenfile"
)

// Token state constants for status reporting.
const (
	tokenStateMissing   = "missing"
	tokenStateExpired   = "expired"
	tokenStateValid     = "valid"
	tokenStateRefreshes = "expired, refreshable"
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage stored credentials",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the token file and whether its token is usable",
		Args:  cobra.NoArgs,
		RunE:  runAuthStatus,
	})

	var account, project string

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Store an OAuth2 token read from stdin",
		Long: `Read an OAuth2 token as JSON from stdin and store it in the token file.
The token needs at least an access_token; with a refresh_token and
auth.client_id configured, expired tokens are refreshed automatically.

Example:
  echo '{"access_token":"ya29...","refresh_token":"1//...","expiry":"2026-01-01T00:00:00Z"}' \
    | gcs-go auth import`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAuthImport(cmd, cmd.InOrStdin(), account, project)
		},
	}
	importCmd.Flags().StringVar(&account, "account", "", "account the token belongs to")
	importCmd.Flags().StringVar(&project, "project", "", "project to record with the token")
	cmd.AddCommand(importCmd)

	return cmd
}

// tokenPath is the configured token file, or the default location.
func tokenPath(cfg *config.Config) string {
	if cfg.Auth.TokenFile != "" {
		return cfg.Auth.TokenFile
	}

	return config.DefaultTokenPath()
}

// authStatus is the JSON schema for `auth status --json`.
type authStatus struct {
	Path    string     `json:"path"`
	State   string     `json:"state"`
	Expiry  *time.Time `json:"expiry,omitempty"`
	Account string     `json:"account,omitempty"`
	Project string     `json:"project,omitempty"`
}

func tokenState(tok *oauth2.Token, now time.Time) string {
	switch {
	case tok == nil:
		return tokenStateMissing
	case tok.Expiry.IsZero() || tok.Expiry.After(now):
		return tokenStateValid
	case tok.RefreshToken != "":
		return tokenStateRefreshes
	default:
		return tokenStateExpired
	}
}

func runAuthStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	path := tokenPath(cc.Cfg.Config())

	tok, meta, err := tokenfile.Load(path)
	if err != nil {
		return err
	}

	status := authStatus{
		Path:    path,
		State:   tokenState(tok, time.Now()),
		Account: meta[tokenfile.MetaAccount],
		Project: meta[tokenfile.MetaProject],
	}

	if tok != nil && !tok.Expiry.IsZero() {
		status.Expiry = &tok.Expiry
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), status)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Token file: %s\n", status.Path)
	fmt.Fprintf(w, "State:      %s\n", status.State)

	if status.Expiry != nil {
		fmt.Fprintf(w, "Expires:    %s\n", status.Expiry.Format(time.RFC3339))
	}

	if status.Account != "" {
		fmt.Fprintf(w, "Account:    %s\n", status.Account)
	}

	if status.Project != "" {
		fmt.Fprintf(w, "Project:    %s\n", status.Project)
	}

	return nil
}

func runAuthImport(cmd *cobra.Command, r io.Reader, account, project string) error {
	cc := mustCLIContext(cmd.Context())

	var tok oauth2.Token
	if err := json.NewDecoder(r).Decode(&tok); err != nil {
		return fmt.Errorf("decoding token: %w", err)
	}

	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return errors.New("token has neither access_token nor refresh_token")
	}

	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}

	meta := map[string]string{}
	if account != "" {
		meta[tokenfile.MetaAccount] = account
	}

	if project != "" {
		meta[tokenfile.MetaProject] = project
	}

	path := tokenPath(cc.Cfg.Config())
	if err := tokenfile.Save(path, &tok, meta); err != nil {
		return err
	}

	cc.Statusf("Token saved to %s\n", path)

	if cc.Cfg.Config().Auth.TokenFile == "" {
		cc.Statusf("Requests stay anonymous until auth.token_file points at it:\n  gcs-go config set auth.token_file %s\n", path)
	}

	return nil
}
