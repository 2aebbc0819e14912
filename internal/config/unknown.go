package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of each section.
var knownKeys = map[string][]string{
	"network": {"endpoint", "upload_endpoint", "user_agent", "connect_timeout", "data_timeout"},
	"retry": {
		"max_attempts", "max_duration", "initial_backoff", "max_backoff",
		"backoff_scaling", "throttler", "throttler_factor", "resume_attempts",
	},
	"transfers": {"chunk_size", "resumable_threshold", "bandwidth_limit", "parallel_transfers", "max_hash_retries"},
	"auth":      {"token_file", "client_id", "client_secret", "watch_token_file"},
	"logging":   {"log_level", "log_format"},
	"metrics":   {"listen_addr"},
}

// knownSections is the sorted list of section names, for deterministic
// suggestions.
var knownSections = func() []string {
	out := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		out = append(out, k)
	}

	slices.Sort(out)

	return out
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	reported := make(map[string]bool)

	for _, key := range md.Undecoded() {
		if err := unknownKeyError(key); err != nil && !reported[err.Error()] {
			reported[err.Error()] = true
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func unknownKeyError(key toml.Key) error {
	section := key[0]

	fields, ok := knownKeys[section]
	if !ok {
		if len(key) == 1 {
			// A bare top-level key: the user probably forgot the section.
			if owner := sectionOf(section); owner != "" {
				return fmt.Errorf("unknown config key %q: it belongs in the [%s] section", section, owner)
			}
		}

		return suggest(fmt.Sprintf("unknown config section [%s]", section), section, knownSections)
	}

	if len(key) < 2 {
		return nil
	}

	return suggest(fmt.Sprintf("unknown config key %q in [%s]", key[1], section), key[1], fields)
}

func suggest(msg, unknown string, known []string) error {
	if s := closestMatch(unknown, known); s != "" {
		return fmt.Errorf("%s, did you mean %q?", msg, s)
	}

	return errors.New(msg)
}

// sectionOf returns the section that defines field, if any.
func sectionOf(field string) string {
	for _, section := range knownSections {
		if slices.Contains(knownKeys[section], field) {
			return section
		}
	}

	return ""
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		if d := levenshtein(strings.ToLower(unknown), k); d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
