// Package download implements the HTTP+OCI fetching engine:
// range-resumable downloads with xattr-persisted resume state, archive
// extraction, and glob filtering. The xattr plumbing is direct
// Fgetxattr/Fsetxattr syscalls rather than a wrapper library; the
// ENOTSUP fallback stays explicit that way.
package download

import (
	"encoding/json"
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

const resumeXattrName = "user.soar.resume"

// ResumeState is persisted as an xattr on the partial file between
// attempts; Total/ETag/LastModified let a retry decide whether the
// server's copy is still the one being fetched.
type ResumeState struct {
	Downloaded   int64  `json:"downloaded"`
	Total        int64  `json:"total"`
	ETag         string `json:"etag"`
	LastModified string `json:"last_modified"`
}

func sidecarPath(path string) string { return path + ".soar-resume" }

// saveResumeState persists state as an xattr on the partial file,
// falling back to a JSON sidecar file when the filesystem doesn't
// support xattrs (ENOTSUP/EOPNOTSUPP).
func saveResumeState(path string, state ResumeState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	err = unix.Fsetxattr(int(f.Fd()), resumeXattrName, b, 0)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP) {
		return os.WriteFile(sidecarPath(path), b, 0644)
	}
	return err
}

// loadResumeState reads back a prior resume state, trying the xattr
// first and falling back to the sidecar file. It returns the zero value
// and no error when neither is present (fresh download).
func loadResumeState(path string) (ResumeState, error) {
	var state ResumeState

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return state, err
	}
	defer f.Close()

	sz, err := unix.Fgetxattr(int(f.Fd()), resumeXattrName, nil)
	if err == nil && sz > 0 {
		buf := make([]byte, sz)
		if _, err := unix.Fgetxattr(int(f.Fd()), resumeXattrName, buf); err == nil {
			if jerr := json.Unmarshal(buf, &state); jerr == nil {
				return state, nil
			}
		}
	}

	if b, rerr := os.ReadFile(sidecarPath(path)); rerr == nil {
		_ = json.Unmarshal(b, &state)
	}
	return state, nil
}

func clearResumeState(path string) {
	if f, err := os.Open(path); err == nil {
		_ = unix.Fremovexattr(int(f.Fd()), resumeXattrName)
		f.Close()
	}
	_ = os.Remove(sidecarPath(path))
}
