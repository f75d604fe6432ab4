package pin

import (
	"path/filepath"
	"testing"

	"github.com/snapdaemon/tl/pkg/ckptid"
	tlerrors "github.com/snapdaemon/tl/pkg/errors"
)

func TestPinSetGet(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), ".tl"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	id := ckptid.New()

	if err := s.Set("release", id); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := s.Get("release")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != id {
		t.Fatalf("Get() = %v, want %v", got, id)
	}
}

func TestPinSetOverwrites(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), ".tl"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	first, second := ckptid.New(), ckptid.New()

	s.Set("release", first)
	s.Set("release", second)

	got, err := s.Get("release")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != second {
		t.Fatalf("Get() = %v, want %v (the overwritten id)", got, second)
	}
}

func TestPinGetMissingReturnsNotFound(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), ".tl"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	_, err = s.Get("nope")
	if !tlerrors.Is(err, tlerrors.KindNotFound) {
		t.Fatalf("Get of missing pin = %v, want KindNotFound", err)
	}
}

func TestPinRemove(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), ".tl"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s.Set("release", ckptid.New())

	existed, err := s.Remove("release")
	if err != nil || !existed {
		t.Fatalf("Remove = %v, %v, want true, nil", existed, err)
	}
	existed, err = s.Remove("release")
	if err != nil || existed {
		t.Fatalf("second Remove = %v, %v, want false, nil", existed, err)
	}
}

func TestPinInvalidName(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), ".tl"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Set("a/b", ckptid.New()); !tlerrors.Is(err, tlerrors.KindValidation) {
		t.Fatalf("Set with invalid name = %v, want KindValidation", err)
	}
}

func TestPinListOrderedByName(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), ".tl"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s.Set("zeta", ckptid.New())
	s.Set("alpha", ckptid.New())

	pins, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(pins) != 2 || pins[0].Name != "alpha" || pins[1].Name != "zeta" {
		t.Fatalf("List() = %+v, want [alpha zeta]", pins)
	}
}

func TestPinListEmptyStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), ".tl"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	pins, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(pins) != 0 {
		t.Fatalf("List() = %+v, want empty", pins)
	}
}
