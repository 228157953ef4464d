package redact

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Allowlist holds path and content regex patterns excluded from secret
// detection.
type Allowlist struct {
	Paths   []string
	Regexes []string
}

// loadAllowlist reads and validates a TOML allowlist file:
//
//	[allowlist]
//	paths = ["testdata/.*"]
//	regexes = ["EXAMPLE_KEY"]
//
// A missing file yields a nil allowlist; invalid TOML or regex patterns
// return errors.
func loadAllowlist(path string) (*Allowlist, error) {
	var doc struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat allowlist: %w", err)
	}

	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("parsing allowlist %s: %w", path, err)
	}

	for _, pattern := range doc.Allowlist.Paths {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("invalid allowlist path pattern %q in %s: %w", pattern, path, err)
		}
	}
	for _, pattern := range doc.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("invalid allowlist content pattern %q in %s: %w", pattern, path, err)
		}
	}

	return &Allowlist{
		Paths:   doc.Allowlist.Paths,
		Regexes: doc.Allowlist.Regexes,
	}, nil
}

// applyAllowlist merges allowlist patterns into the gitleaks config.
// Patterns are pre-validated by loadAllowlist.
func applyAllowlist(cfg *gitleaksConfig.Config, allow *Allowlist) {
	entry := &gitleaksConfig.Allowlist{
		Description: "mendd allowlist",
	}

	for _, pattern := range allow.Paths {
		entry.Paths = append(entry.Paths, (*gitleaksRegexp.Regexp)(regexp.MustCompile(pattern)))
	}
	for _, pattern := range allow.Regexes {
		entry.Regexes = append(entry.Regexes, (*gitleaksRegexp.Regexp)(regexp.MustCompile(pattern)))
	}

	// Stopwords catch allowlisted values that the regex target misses.
	entry.StopWords = append(entry.StopWords, allow.Regexes...)

	cfg.Allowlists = append(cfg.Allowlists, entry)
}
