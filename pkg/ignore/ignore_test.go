package ignore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRulesBuiltinPatternsAreAlwaysIgnored(t *testing.T) {
	r, err := Load(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !r.ShouldIgnore(".DS_Store") {
		t.Fatal("expected .DS_Store to be ignored by built-ins")
	}
	if !r.ShouldIgnoreDir("node_modules", true) {
		t.Fatal("expected node_modules/ to be ignored by built-ins")
	}
}

func TestRulesUnconditionalMetadataPrefixes(t *testing.T) {
	r, err := Load(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !r.ShouldIgnore(".tl/state") {
		t.Fatal("expected .tl/ paths to always be ignored")
	}
	if !r.ShouldIgnore(".git/HEAD") {
		t.Fatal("expected .git/ paths to always be ignored")
	}
}

func TestRulesTlIgnoreFile(t *testing.T) {
	repoRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(repoRoot, ".tlignore"), []byte("*.log\nbuild/\n"), 0o644); err != nil {
		t.Fatalf("write .tlignore: %v", err)
	}
	r, err := Load(repoRoot, Options{EnableTlIgnore: true})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !r.ShouldIgnore("debug.log") {
		t.Fatal("expected *.log pattern to match debug.log")
	}
	if !r.ShouldIgnoreDir("build", true) {
		t.Fatal("expected build/ pattern to match the build directory")
	}
	if r.ShouldIgnore("keep.txt") {
		t.Fatal("expected unrelated file to not be ignored")
	}
}

func TestRulesDisabledLayerIsNotRead(t *testing.T) {
	repoRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(repoRoot, ".gitignore"), []byte("*.log\n"), 0o644); err != nil {
		t.Fatalf("write .gitignore: %v", err)
	}
	r, err := Load(repoRoot, Options{EnableGitIgnore: false})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if r.ShouldIgnore("debug.log") {
		t.Fatal("expected disabled gitignore layer to not apply")
	}
}

func TestRulesHigherPrecedenceLayerCanWhitelist(t *testing.T) {
	repoRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(repoRoot, ".gitignore"), []byte("*.log\n"), 0o644); err != nil {
		t.Fatalf("write .gitignore: %v", err)
	}
	if err := os.WriteFile(filepath.Join(repoRoot, ".tlignore"), []byte("!important.log\n"), 0o644); err != nil {
		t.Fatalf("write .tlignore: %v", err)
	}
	r, err := Load(repoRoot, Options{EnableTlIgnore: true, EnableGitIgnore: true})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if r.ShouldIgnore("important.log") {
		t.Fatal("expected tlignore's whitelist to override gitignore's ignore")
	}
	if !r.ShouldIgnore("other.log") {
		t.Fatal("expected other.log to remain ignored by gitignore")
	}
}

func TestRulesLowerPrecedenceLayerCannotOverrideHigher(t *testing.T) {
	repoRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(repoRoot, ".tlignore"), []byte("*.log\n"), 0o644); err != nil {
		t.Fatalf("write .tlignore: %v", err)
	}
	if err := os.WriteFile(filepath.Join(repoRoot, ".gitignore"), []byte("!important.log\n"), 0o644); err != nil {
		t.Fatalf("write .gitignore: %v", err)
	}
	r, err := Load(repoRoot, Options{EnableTlIgnore: true, EnableGitIgnore: true})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !r.ShouldIgnore("important.log") {
		t.Fatal("expected tlignore's ignore to stand despite gitignore's whitelist attempt")
	}
}

func TestRulesConfigPatterns(t *testing.T) {
	r, err := Load(t.TempDir(), Options{ConfigPatterns: []string{"*.tmp"}})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !r.ShouldIgnore("scratch.tmp") {
		t.Fatal("expected config pattern to ignore scratch.tmp")
	}
}

func TestRulesReloadPicksUpChanges(t *testing.T) {
	repoRoot := t.TempDir()
	r, err := Load(repoRoot, Options{EnableTlIgnore: true})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if r.ShouldIgnore("new.log") {
		t.Fatal("expected no .tlignore patterns before file exists")
	}

	if err := os.WriteFile(filepath.Join(repoRoot, ".tlignore"), []byte("*.log\n"), 0o644); err != nil {
		t.Fatalf("write .tlignore: %v", err)
	}
	if err := r.Reload(repoRoot); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if !r.ShouldIgnore("new.log") {
		t.Fatal("expected Reload to pick up the new .tlignore pattern")
	}
}

func TestRulesBuiltinsCannotBeWhitelisted(t *testing.T) {
	repoRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(repoRoot, ".tlignore"), []byte("!.DS_Store\n"), 0o644); err != nil {
		t.Fatalf("write .tlignore: %v", err)
	}
	r, err := Load(repoRoot, Options{EnableTlIgnore: true})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !r.ShouldIgnore(".DS_Store") {
		t.Fatal("expected built-in ignore to remain non-overridable")
	}
}
