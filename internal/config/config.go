// Package config resolves CLI flags and netrc-style credential files into a
// single run configuration.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrNoHost is returned when no server host can be resolved from flags or
// any config file.
var ErrNoHost = errors.New("config: no nntp host configured")

// Config is the fully-resolved run configuration, built from CLI flags and
// netrc-style credential lookup.
type Config struct {
	NzbPath    string
	Host       string
	Port       int
	User       string
	Pass       string
	TLS        bool
	Threads    int
	MaxBitrate uint64
	SkipVerify bool
	Timeout    time.Duration
}

// Flags mirrors the CLI surface described by spec §6.
type Flags struct {
	NzbPath    string
	Host       string
	User       string
	PromptPass bool
	Port       int
	TLS        bool
	Threads    int
	ConfigPath string
	MaxBitrate uint64
	SkipVerify bool
}

// Entry is one netrc-style authenticator: host, user, password, port.
type Entry struct {
	Host string
	User string
	Pass string
	Port int
}

// defaultSearchPaths returns the netrc-style config search order: host's own
// dotfile first, then the ordinary ~/.netrc.
func defaultSearchPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".nzbstream"),
		filepath.Join(home, ".netrc"),
	}
}

// Load builds a Config from flags, falling back to netrc-style files when a
// host was not supplied on the command line. A .env file in the working
// directory, if present, is first loaded into the process environment; Load
// itself reads no environment variable, so no Config field is taken from it.
func Load(flags Flags) (*Config, error) {
	_ = godotenv.Load() // optional; absence is not an error

	cfg := &Config{
		NzbPath:    flags.NzbPath,
		Host:       flags.Host,
		User:       flags.User,
		Port:       flags.Port,
		TLS:        flags.TLS,
		Threads:    flags.Threads,
		MaxBitrate: flags.MaxBitrate,
		SkipVerify: flags.SkipVerify,
		Timeout:    30 * time.Second,
	}
	if cfg.Port == 0 {
		cfg.Port = 119
	}
	if cfg.Threads == 0 {
		cfg.Threads = 1
	}

	searchPaths := defaultSearchPaths()
	if flags.ConfigPath != "" {
		searchPaths = append([]string{flags.ConfigPath}, searchPaths...)
	}

	entries, err := loadEntries(searchPaths)
	if err != nil {
		return nil, err
	}

	if cfg.Host == "" {
		if len(entries) == 0 {
			return nil, ErrNoHost
		}
		first := entries[0]
		cfg.Host = first.Host
		if cfg.User == "" {
			cfg.User = first.User
		}
		if cfg.Pass == "" {
			cfg.Pass = first.Pass
		}
		if first.Port != 0 {
			cfg.Port = first.Port
		}
	} else if cfg.Pass == "" {
		if e := findEntry(entries, cfg.Host); e != nil {
			if cfg.User == "" {
				cfg.User = e.User
			}
			cfg.Pass = e.Pass
			if e.Port != 0 {
				cfg.Port = e.Port
			}
		}
	}

	if cfg.Host == "" {
		return nil, ErrNoHost
	}
	return cfg, nil
}

func findEntry(entries []Entry, host string) *Entry {
	for i := range entries {
		if entries[i].Host == host {
			return &entries[i]
		}
	}
	return nil
}

// loadEntries reads netrc-style files in order, returning every machine
// entry found. No netrc-parsing library exists in the corpus this codebase
// was grounded on, so the parser below is hand-written; it accepts the
// classic `machine/login/password/port` token grammar.
func loadEntries(paths []string) ([]Entry, error) {
	var entries []Entry
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("config: open %s: %w", path, err)
		}
		parsed, err := parseNetrc(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		entries = append(entries, parsed...)
	}
	return entries, nil
}

func parseNetrc(f *os.File) ([]Entry, error) {
	scanner := bufio.NewScanner(f)
	var entries []Entry
	var cur *Entry

	flush := func() {
		if cur != nil {
			entries = append(entries, *cur)
			cur = nil
		}
	}

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		i := 0
		for i < len(fields) {
			switch fields[i] {
			case "machine":
				flush()
				cur = &Entry{}
				if i+1 < len(fields) {
					cur.Host = fields[i+1]
				}
				i += 2
			case "login":
				if cur != nil && i+1 < len(fields) {
					cur.User = fields[i+1]
				}
				i += 2
			case "password":
				if cur != nil && i+1 < len(fields) {
					cur.Pass = fields[i+1]
				}
				i += 2
			case "port":
				if cur != nil && i+1 < len(fields) {
					if p, err := strconv.Atoi(fields[i+1]); err == nil {
						cur.Port = p
					}
				}
				i += 2
			default:
				i++
			}
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
