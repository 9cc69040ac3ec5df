package manifest

import (
	"os"
	"path/filepath"

	"github.com/entidb/entidb/pkg/dberrors"
)

// manifestFileName is the on-disk name of the manifest within a
// database directory.
const manifestFileName = "MANIFEST"

// Load reads and decodes the manifest from dir, or returns a fresh
// empty manifest if none exists yet.
func Load(dir string, formatMajor, formatMinor uint16) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if os.IsNotExist(err) {
		return New(formatMajor, formatMinor), nil
	}
	if err != nil {
		return nil, &dberrors.IoError{Op: "read manifest", Err: err}
	}
	return Decode(data)
}

// Save writes the manifest to dir atomically: encode to a temp file in
// the same directory, fsync it, then rename over the final path. A
// crash before the rename leaves the previous manifest intact; a crash
// after leaves the new one intact. There is no state where a reader
// can observe a partially written manifest.
func Save(dir string, m *Manifest) error {
	final := filepath.Join(dir, manifestFileName)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &dberrors.IoError{Op: "create manifest tmp", Err: err}
	}

	if _, err := f.Write(m.Encode()); err != nil {
		f.Close()
		return &dberrors.IoError{Op: "write manifest tmp", Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &dberrors.IoError{Op: "sync manifest tmp", Err: err}
	}
	if err := f.Close(); err != nil {
		return &dberrors.IoError{Op: "close manifest tmp", Err: err}
	}

	if err := os.Rename(tmp, final); err != nil {
		return &dberrors.IoError{Op: "rename manifest", Err: err}
	}
	return nil
}
