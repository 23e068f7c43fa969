package rar

import (
	"errors"
	"regexp"
	"strings"

	"streamnzb/internal/nzb"
)

// ErrNoRarArchives is returned when no candidate rar-volume files remain
// after filtering.
var ErrNoRarArchives = errors.New("rar: no rar archives found in nzb")

var rarExt = regexp.MustCompile(`(?i)\.(rar|r[0-9]{2}|[0-9]{3})$`)

// obfuscatedHexRun flags filenames that look like a long random hex blob
// rather than a human-chosen name, the clearest sign of poster obfuscation.
var obfuscatedHexRun = regexp.MustCompile(`(?i)^[0-9a-f]{20,}`)

// Set is the resolved, ordered list of rar volumes forming one logical
// archive.
type Set struct {
	Volumes  []*nzb.File
	BaseName string
}

// Resolve implements spec §4.5: sort by natural key, filter to rar-volume
// suffixes, derive the common base name, and reorder so a legacy `.rar`
// volume (if present) leads.
func Resolve(files []*nzb.File) (*Set, error) {
	candidates := make([]*nzb.File, len(files))
	copy(candidates, files)
	nzb.SortNatural(candidates)

	var rarFiles []*nzb.File
	for _, f := range candidates {
		if rarExt.MatchString(f.Filename) {
			rarFiles = append(rarFiles, f)
		}
	}
	if len(rarFiles) == 0 {
		return nil, ErrNoRarArchives
	}

	base := commonBaseName(rarFiles)

	var kept []*nzb.File
	for _, f := range rarFiles {
		if f.Keep || dottedLen(f.Filename) == dottedLen(base)+1 {
			kept = append(kept, f)
			if !f.Keep && !fileNameHasTrustedBase(f.Filename, base) && obfuscatedHexRun.MatchString(f.Filename) {
				flagObfuscated(f)
			}
		}
	}
	if len(kept) == 0 {
		return nil, ErrNoRarArchives
	}

	promoteLegacyRarFirst(kept, base)

	return &Set{Volumes: kept, BaseName: base}, nil
}

// fileNameHasTrustedBase reports whether name shares the resolved base name
// prefix; PAR2-renamed files (Keep == true) are trusted regardless.
func fileNameHasTrustedBase(name, base string) bool {
	return strings.HasPrefix(name, base)
}

// flagObfuscated is the NEW supplemented behaviour: when a filename looks
// like an obfuscated hex blob and wasn't corrected by a PAR2 rename, log a
// warning rather than silently trusting it as a genuine volume name.
var onObfuscatedWarning func(filename string)

// SetObfuscationWarner installs a callback invoked for filenames the
// resolver suspects are obfuscated and unresolved by PAR2. Pipelines that
// want to surface this as a log line should call this before Resolve.
func SetObfuscationWarner(fn func(filename string)) {
	onObfuscatedWarning = fn
}

func flagObfuscated(f *nzb.File) {
	if onObfuscatedWarning != nil {
		onObfuscatedWarning(f.Filename)
	}
}

// commonBaseName derives the shared base name by comparing dotted components
// of the first two candidates and taking the longest equal prefix.
func commonBaseName(files []*nzb.File) string {
	if len(files) == 1 {
		return stripLastComponent(files[0].Filename)
	}
	a := strings.Split(files[0].Filename, ".")
	b := strings.Split(files[1].Filename, ".")

	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var common []string
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			break
		}
		common = append(common, a[i])
	}
	return strings.Join(common, ".")
}

func stripLastComponent(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return name
	}
	return name[:idx]
}

func dottedLen(name string) int {
	return len(strings.Split(name, "."))
}

// promoteLegacyRarFirst moves a single `.rar`-suffixed volume of the same
// base to the front of the list, matching the legacy naming convention
// name.rar, name.r00, name.r01, ...
func promoteLegacyRarFirst(files []*nzb.File, base string) {
	idx := -1
	count := 0
	for i, f := range files {
		if strings.HasSuffix(strings.ToLower(f.Filename), ".rar") {
			count++
			idx = i
		}
	}
	if count != 1 || idx <= 0 {
		return
	}
	if !strings.HasPrefix(files[idx].Filename, base) {
		return
	}
	rar := files[idx]
	copy(files[1:idx+1], files[0:idx])
	files[0] = rar
}
