package walker

import "strings"

// Override holds the optional per-project override document layered on
// top of BaseConfig (spec.md §4.H).
type Override struct {
	ForceExcludePatterns []string // gitwildmatch; wins over everything
	ForceIncludePatterns []string // gitwildmatch; wins over base/extension rules
	RemoveExtensions     []string // e.g. ".md" -- excluded even if in base extensions
	AddExtensions        []string
	AddExcludeDirs       []string // ancestor directory name, not a glob
	AddIncludeDirs       []string
}

// BaseConfig is the project's default (pre-override) walk configuration.
type BaseConfig struct {
	Extensions  []string // empty means "all extensions accepted"
	ExcludeDirs []string // ancestor directory names excluded by default
}

// decide implements the seven-step evaluation order from spec.md §4.H for
// a single candidate path. relPath is "/"-separated and relative to the
// walk root; ext includes the leading dot (e.g. ".go"), or is "" if the
// file has none.
func decide(relPath, ext string, base BaseConfig, ov Override) bool {
	if MatchAny(ov.ForceExcludePatterns, relPath) {
		return false
	}
	if MatchAny(ov.ForceIncludePatterns, relPath) {
		return true
	}
	if containsExt(ov.RemoveExtensions, ext) {
		return false
	}
	if containsExt(ov.AddExtensions, ext) {
		return true
	}
	if ancestorIn(relPath, ov.AddExcludeDirs) {
		return false
	}
	if ancestorIn(relPath, ov.AddIncludeDirs) {
		return true
	}
	return baseDecision(relPath, ext, base)
}

// baseDecision is step 7: fall back to the project's base configuration.
func baseDecision(relPath, ext string, base BaseConfig) bool {
	if ancestorIn(relPath, base.ExcludeDirs) {
		return false
	}
	if len(base.Extensions) == 0 {
		return true
	}
	return containsExt(base.Extensions, ext)
}

func containsExt(exts []string, ext string) bool {
	for _, e := range exts {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// ancestorIn reports whether any directory component of relPath (not
// including the final segment) equals one of dirs, by exact name.
func ancestorIn(relPath string, dirs []string) bool {
	if len(dirs) == 0 {
		return false
	}
	segments := strings.Split(relPath, "/")
	if len(segments) <= 1 {
		return false
	}
	for _, seg := range segments[:len(segments)-1] {
		for _, d := range dirs {
			if seg == d {
				return true
			}
		}
	}
	return false
}
