// Package pin implements the pin store (spec §4.H): named references to
// checkpoint ids, one small file per pin under refs/pins/<name>.
package pin

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/snapdaemon/tl/pkg/ckptid"
	tlerrors "github.com/snapdaemon/tl/pkg/errors"
	"github.com/snapdaemon/tl/pkg/objectstore"
)

// Store manages pins under a "refs/pins" directory. Operations on
// distinct names are independent; no cross-pin locking is needed.
type Store struct {
	dir string
	tmp string
}

// Open returns a Store rooted at "<tlDir>/refs/pins", creating it if
// necessary.
func Open(tlDir string) (*Store, error) {
	dir := filepath.Join(tlDir, "refs", "pins")
	tmp := filepath.Join(tlDir, "tmp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}
	return &Store{dir: dir, tmp: tmp}, nil
}

func isValidName(name string) bool {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return false
	}
	return true
}

// Set creates or overwrites the pin name -> id.
func (s *Store) Set(name string, id ckptid.ID) error {
	if !isValidName(name) {
		return tlerrors.New(tlerrors.KindValidation, &tlerrors.InvalidPathError{Path: name, Reason: "invalid pin name"})
	}
	return objectstore.AtomicWrite(s.tmp, filepath.Join(s.dir, name), []byte(id.String()))
}

// Get resolves a pin name to a checkpoint id.
func (s *Store) Get(name string) (ckptid.ID, error) {
	if !isValidName(name) {
		return ckptid.Nil, tlerrors.New(tlerrors.KindValidation, &tlerrors.InvalidPathError{Path: name, Reason: "invalid pin name"})
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return ckptid.Nil, tlerrors.New(tlerrors.KindNotFound, &tlerrors.PinNotFoundError{Name: name})
		}
		return ckptid.Nil, tlerrors.New(tlerrors.KindIO, err)
	}
	return ckptid.Parse(strings.TrimSpace(string(data)))
}

// Remove deletes a pin, reporting whether it existed.
func (s *Store) Remove(name string) (bool, error) {
	if !isValidName(name) {
		return false, tlerrors.New(tlerrors.KindValidation, &tlerrors.InvalidPathError{Path: name, Reason: "invalid pin name"})
	}
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, tlerrors.New(tlerrors.KindIO, err)
	}
	return true, nil
}

// Pin pairs a pin name with the checkpoint id it resolves to.
type Pin struct {
	Name string
	ID   ckptid.ID
}

// List enumerates all pins in name order.
func (s *Store) List() ([]Pin, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}

	out := make([]Pin, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, err := s.Get(e.Name())
		if err != nil {
			// A pin file that cannot be read or parsed is skipped rather
			// than erroring the whole list. A pin naming a checkpoint the
			// journal no longer has is still listed; gc.BuildPlan rejects it.
			continue
		}
		out = append(out, Pin{Name: e.Name(), ID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
