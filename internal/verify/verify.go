// Package verify implements the checksum and signature verification
// steps of the install pipeline: BLAKE3 digests over
// downloaded artifacts, and minisign signature checks against a
// repository's cached public key.
package verify

import (
	"fmt"
	"io"
	"os"

	"github.com/jedisct1/go-minisign"
	"github.com/zeebo/blake3"

	"github.com/pkgforge-go/soar/internal/soarerr"
)

// ChecksumFile streams path through a BLAKE3 hasher and returns the
// lowercase hex digest.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for checksum: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// CheckChecksum compares the BLAKE3 digest of path against declared. An
// empty declared digest is a soft pass: the package declared provides
// but shipped no bsum, which is a warning rather than a failure.
func CheckChecksum(path, declared string) error {
	if declared == "" {
		return soarerr.NewWarning("%s: no checksum declared, skipping verification", path)
	}
	actual, err := ChecksumFile(path)
	if err != nil {
		return err
	}
	if actual != declared {
		return fmt.Errorf("%w: %s: expected %s, got %s", soarerr.ErrChecksumMismatch, path, declared, actual)
	}
	return nil
}

// CheckSignature verifies path's same-stem minisign signature file
// against the repository's cached public key. A missing pubkey is
// handled by the caller (a warning, not a failure); this function only
// reports whether a present pubkey validates the present signature.
func CheckSignature(path, sigPath, pubkeyPath string) error {
	pubKey, err := minisign.NewPublicKeyFromFile(pubkeyPath)
	if err != nil {
		return fmt.Errorf("parse pubkey %s: %w", pubkeyPath, err)
	}

	sigRaw, err := os.ReadFile(sigPath)
	if err != nil {
		return fmt.Errorf("read signature %s: %w", sigPath, err)
	}
	sig, err := minisign.DecodeSignature(string(sigRaw))
	if err != nil {
		return fmt.Errorf("decode signature %s: %w", sigPath, err)
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	valid, err := pubKey.Verify(payload, sig)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", soarerr.ErrSignatureFailed, path, err)
	}
	if !valid {
		return fmt.Errorf("%w: %s", soarerr.ErrSignatureFailed, path)
	}
	return nil
}
