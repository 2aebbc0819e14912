package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// configFilePermissions is the standard permission mode for config files.
const configFilePermissions = 0o644

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// ErrConfigExists is returned by WriteTemplate when the target already exists.
var ErrConfigExists = errors.New("config: file already exists")

// configTemplate is the config file written by "config init". Every option
// is present as a commented-out default so users can discover them without
// reading docs.
const configTemplate = `# gcs-go configuration

[network]
# endpoint = "https://storage.googleapis.com"
# upload_endpoint = ""
# user_agent = ""
# connect_timeout = "10s"
# data_timeout = "60s"

[retry]
# max_attempts = 10
# max_duration = "10m"
# initial_backoff = "1s"
# max_backoff = "1m"
# backoff_scaling = 2.0
# Throttler: adaptive, circuit_breaker, none
# throttler = "adaptive"
# throttler_factor = 2.0
# resume_attempts = 5

[transfers]
# Must be a multiple of 256KiB.
# chunk_size = "16MiB"
# resumable_threshold = "8MiB"
# bandwidth_limit = "0"
# parallel_transfers = 4
# max_hash_retries = 2

[auth]
# token_file = ""
# watch_token_file = false

[logging]
# Verbosity: debug, info, warn, error
# log_level = "info"
# Format: auto, text, json
# log_format = "auto"

[metrics]
# listen_addr = ""
`

// WriteTemplate writes the commented default config to path. It refuses to
// overwrite an existing file.
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	slog.Info("creating config file", "path", path)

	return atomicWriteFile(path, []byte(configTemplate))
}

// SetKey sets "section.key" to value in the config file at path, preserving
// comments and layout. A commented-out default line for the key is replaced
// in place; otherwise the key is appended to its section, which is created
// if missing. The result must still load.
func SetKey(path, dotted, value string) error {
	section, key, ok := strings.Cut(dotted, ".")
	if !ok || !slices.Contains(knownKeys[section], key) {
		return suggestKey(dotted)
	}

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading config file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	newLine := key + " = " + formatTOMLValue(key, value)
	lines = setKeyInSection(lines, section, key, newLine)

	out := []byte(strings.Join(lines, "\n"))

	if err := atomicWriteFile(path, out); err != nil {
		return err
	}

	if _, err := Load(path); err != nil {
		if data == nil {
			return errors.Join(err, os.Remove(path))
		}

		if restoreErr := atomicWriteFile(path, data); restoreErr != nil {
			return errors.Join(err, restoreErr)
		}

		return err
	}

	return nil
}

func suggestKey(dotted string) error {
	section, key, _ := strings.Cut(dotted, ".")
	if fields, ok := knownKeys[section]; ok {
		return suggest(fmt.Sprintf("unknown config key %q in [%s]", key, section), key, fields)
	}

	if owner := sectionOf(dotted); owner != "" {
		return fmt.Errorf("unknown config key %q, did you mean %q?", dotted, owner+"."+dotted)
	}

	return suggest(fmt.Sprintf("unknown config section [%s]", section), section, knownSections)
}

// setKeyInSection returns lines with key set inside [section].
func setKeyInSection(lines []string, section, key, newLine string) []string {
	start := slices.Index(lines, "["+section+"]")
	if start < 0 {
		if n := len(lines); n > 0 && lines[n-1] == "" {
			lines = lines[:n-1]
		}

		return append(lines, "", "["+section+"]", newLine, "")
	}

	end := findSectionEnd(lines, start)

	for i := start + 1; i < end; i++ {
		trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[i]), "#"))
		if name, _, ok := strings.Cut(trimmed, "="); ok && strings.TrimSpace(name) == key {
			lines[i] = newLine

			return lines
		}
	}

	insert := end
	for insert > start+1 && strings.TrimSpace(lines[insert-1]) == "" {
		insert--
	}

	return slices.Insert(lines, insert, newLine)
}

// findSectionEnd returns the index of the next section header after start,
// or len(lines).
func findSectionEnd(lines []string, start int) int {
	for i := start + 1; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "[") {
			return i
		}
	}

	return len(lines)
}

// bareKeys are the keys whose values are TOML numbers or booleans.
var bareKeys = map[string]bool{
	"max_attempts":       true,
	"backoff_scaling":    true,
	"throttler_factor":   true,
	"resume_attempts":    true,
	"parallel_transfers": true,
	"max_hash_retries":   true,
	"watch_token_file":   true,
}

// formatTOMLValue renders value as a TOML literal for key.
func formatTOMLValue(key, value string) string {
	if bareKeys[key] {
		return value
	}

	return strconv.Quote(value)
}

// atomicWriteFile writes data to path via a temp file and rename, creating
// parent directories as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
