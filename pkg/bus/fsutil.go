package bus

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/burrowlabs/burrow/pkg/types"
)

var (
	errMissingDelimiter = errors.New("missing meta delimiter")
	errEmptyID          = errors.New("meta has no id")
)

// WriteAtomic writes data to a temp file in path's directory and renames
// it into place. Readers never observe a partial file; a crash leaves
// either the old content or the new, never a mix.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.E(types.ErrIO, "bus.write", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return types.E(types.ErrIO, "bus.write", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return types.E(types.ErrIO, "bus.write", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return types.E(types.ErrIO, "bus.write", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return types.E(types.ErrIO, "bus.write", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return types.E(types.ErrIO, "bus.write", path, err)
	}
	return nil
}

// CreateExclusive creates path with O_EXCL semantics, the cross-process
// lock primitive. Returns an already_exists error when another process
// holds the file.
func CreateExclusive(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return types.E(types.ErrIO, "bus.create", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return types.E(types.ErrAlreadyExists, "bus.create", path, err)
		}
		return types.E(types.ErrIO, "bus.create", path, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return types.E(types.ErrIO, "bus.create", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return types.E(types.ErrIO, "bus.create", path, err)
	}
	return nil
}
