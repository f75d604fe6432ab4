// Package ignore implements the layered ignore-rule engine (spec §4.I):
// non-overridable built-ins, then .tlignore, then .gitignore, then
// simple config patterns, each layer able to override an ignore with a
// leading "!" whitelist entry except the built-ins.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/snapdaemon/tl/pkg/objectstore"
)

// pattern is one parsed ignore-file line.
type pattern struct {
	negate    bool
	dirOnly   bool
	anchored  bool // pattern contained a "/" before the final segment
	raw       string
	segments  []string // split on "/", used for anchored matching
	trailName string   // final segment, used for unanchored basename matching
}

func parseLine(line string) (pattern, bool) {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") {
		return pattern{}, false
	}
	p := pattern{raw: line}
	if strings.HasPrefix(line, "!") {
		p.negate = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		p.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	line = strings.TrimPrefix(line, "/")
	if strings.Contains(line, "/") {
		p.anchored = true
		p.segments = strings.Split(line, "/")
	} else {
		p.trailName = line
	}
	return p, true
}

func (p pattern) matches(path string, isDir bool) bool {
	if p.dirOnly && !isDir {
		return false
	}
	if p.anchored {
		ok, _ := filepath.Match(strings.Join(p.segments, "/"), path)
		if ok {
			return true
		}
		// also allow the pattern to match a parent directory prefix
		return strings.HasPrefix(path, strings.Join(p.segments, "/")+"/")
	}
	base := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		base = path[idx+1:]
	}
	if ok, _ := filepath.Match(p.trailName, base); ok {
		return true
	}
	// unanchored pattern also matches at any directory depth
	for _, seg := range strings.Split(path, "/") {
		if ok, _ := filepath.Match(p.trailName, seg); ok {
			return true
		}
	}
	return false
}

// layer is an ordered list of patterns; later entries win over earlier
// ones within the same layer (standard gitignore semantics).
type layer []pattern

func (l layer) decide(path string, isDir bool) (ignored, decided bool) {
	for i := len(l) - 1; i >= 0; i-- {
		if l[i].matches(path, isDir) {
			return !l[i].negate, true
		}
	}
	return false, false
}

// builtinPatterns are spec §4.I's non-overridable rules. Repository
// metadata prefixes are handled separately (objectstore.IsUnconditionallyIgnored)
// since they must be rejected even when rules are never loaded.
var builtinPatterns = layer(mustParseAll([]string{
	"*.swp", "*.swo", "*.swn", "*.swm",
	"*~", "#*#", ".#*",
	".DS_Store", "._*", "Thumbs.db", "desktop.ini",
	".vscode/", ".idea/", "*.code-workspace", "*.iml",
	"node_modules/", "__pycache__/", "target/", ".venv/", "venv/",
	"*.pyc", "*.pyo",
}))

func mustParseAll(lines []string) []pattern {
	out := make([]pattern, 0, len(lines))
	for _, l := range lines {
		if p, ok := parseLine(l); ok {
			out = append(out, p)
		}
	}
	return out
}

// Rules is the reloadable layered ignore engine for one working tree.
type Rules struct {
	mu sync.RWMutex

	tlignoreEnabled  bool
	gitignoreEnabled bool
	tlignore         layer
	gitignore        layer
	config           layer
}

// Options configures which optional layers are active.
type Options struct {
	EnableTlIgnore  bool
	EnableGitIgnore bool
	// ConfigPatterns are patterns from the daemon's configuration (spec
	// §4.I layer 4). They are parsed and matched exactly like .gitignore
	// lines (filepath.Match against the basename or a path segment); a
	// pattern without a wildcard matches only a whole name, never a
	// substring of one.
	ConfigPatterns []string
}

// Load reads .tlignore and .gitignore from repoRoot (if their layers are
// enabled) and builds a Rules engine.
func Load(repoRoot string, opts Options) (*Rules, error) {
	r := &Rules{
		tlignoreEnabled:  opts.EnableTlIgnore,
		gitignoreEnabled: opts.EnableGitIgnore,
		config:           mustParseAll(opts.ConfigPatterns),
	}
	if err := r.Reload(repoRoot); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads .tlignore/.gitignore from disk, picking up edits made
// while the daemon is running (spec §4.I: "Rules are reloadable at
// runtime").
func (r *Rules) Reload(repoRoot string) error {
	var tl, gi layer
	var err error
	if r.tlignoreEnabled {
		tl, err = readIgnoreFile(filepath.Join(repoRoot, ".tlignore"))
		if err != nil {
			return err
		}
	}
	if r.gitignoreEnabled {
		gi, err = readIgnoreFile(filepath.Join(repoRoot, ".gitignore"))
		if err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.tlignore = tl
	r.gitignore = gi
	r.mu.Unlock()
	return nil
}

func readIgnoreFile(path string) (layer, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out layer
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if p, ok := parseLine(sc.Text()); ok {
			out = append(out, p)
		}
	}
	return out, sc.Err()
}

// ShouldIgnore decides whether path (already normalized, "/"-separated,
// repo-relative) should be excluded from watching/scanning, applying
// layers highest-precedence first: built-ins (non-overridable), then
// .tlignore, then .gitignore, then config patterns.
func (r *Rules) ShouldIgnore(path string) bool {
	return r.shouldIgnoreDir(path, false)
}

// ShouldIgnoreDir is ShouldIgnore but tells directory-only patterns the
// candidate is a directory, so e.g. "node_modules/" matches it.
func (r *Rules) ShouldIgnoreDir(path string, isDir bool) bool {
	return r.shouldIgnoreDir(path, isDir)
}

func (r *Rules) shouldIgnoreDir(path string, isDir bool) bool {
	if objectstore.IsUnconditionallyIgnored(path + "/") {
		return true
	}
	if ignored, decided := builtinPatterns.decide(path, isDir); decided {
		if ignored {
			return true
		}
		// built-ins never whitelist; continuing would let a config
		// pattern override them, which spec forbids.
	}

	r.mu.RLock()
	tl, gi, cfg := r.tlignore, r.gitignore, r.config
	r.mu.RUnlock()

	// Stop at the first layer with an opinion, evaluated highest
	// precedence first (spec: built-ins, .tlignore, .gitignore, config).
	// A lower-precedence layer never overrides a higher one's decision,
	// whitelist or not.
	if v, ok := tl.decide(path, isDir); ok {
		return v
	}
	if v, ok := gi.decide(path, isDir); ok {
		return v
	}
	if v, ok := cfg.decide(path, isDir); ok {
		return v
	}
	return false
}
