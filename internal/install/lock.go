package install

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const lockPollInterval = 500 * time.Millisecond

// PackageLock is a per-pkg_name advisory file lock: a lockfile under
// the state dir opened with an exclusive flock, serializing
// conflicting installs of the same package across processes.
type PackageLock struct {
	f *os.File
}

// AcquirePackageLock blocks (polling every 500ms) until the named lock
// is free, logging once on the first wait.
func AcquirePackageLock(lockDir, pkgName string) (*PackageLock, error) {
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return nil, fmt.Errorf("lock: mkdir %s: %w", lockDir, err)
	}
	path := filepath.Join(lockDir, pkgName+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}

	loggedWait := false
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &PackageLock{f: f}, nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if !loggedWait {
			log.Printf("soar: waiting for lock on %s", pkgName)
			loggedWait = true
		}
		time.Sleep(lockPollInterval)
	}
}

// Release unlocks and closes the lockfile handle. It is safe to call on
// every exit path; a nil receiver is a no-op.
func (l *PackageLock) Release() {
	if l == nil || l.f == nil {
		return
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
}
