package manifest

import (
	"os"
	"syscall"

	"github.com/entidb/entidb/pkg/dberrors"
)

// DirLock holds an exclusive, advisory lock on a database directory
// via a ".lock" file. No third-party flock library appears anywhere in
// the example pack, so this uses syscall.Flock directly — documented
// in DESIGN.md as a required standard-library exception.
type DirLock struct {
	f *os.File
}

// AcquireDirLock creates (if necessary) and locks "<dir>/.lock",
// returning dberrors.ErrDatabaseLocked if another process already
// holds it.
func AcquireDirLock(dir string) (*DirLock, error) {
	path := dir + "/.lock"
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &dberrors.IoError{Op: "open lock file", Err: err}
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, dberrors.ErrDatabaseLocked
		}
		return nil, &dberrors.IoError{Op: "flock", Err: err}
	}

	return &DirLock{f: f}, nil
}

// Release unlocks and closes the lock file.
func (l *DirLock) Release() error {
	if err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN); err != nil {
		l.f.Close()
		return &dberrors.IoError{Op: "funlock", Err: err}
	}
	return l.f.Close()
}
