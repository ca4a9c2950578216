package verify

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkgforge-go/soar/internal/soarerr"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestCheckChecksumMatches(t *testing.T) {
	path := writeFile(t, t.TempDir(), "artifact", []byte("payload"))
	sum, err := ChecksumFile(path)
	if err != nil {
		t.Fatalf("ChecksumFile: %v", err)
	}
	if len(sum) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sum))
	}
	if err := CheckChecksum(path, sum); err != nil {
		t.Fatalf("CheckChecksum: %v", err)
	}
}

func TestCheckChecksumMismatch(t *testing.T) {
	path := writeFile(t, t.TempDir(), "artifact", []byte("payload"))
	err := CheckChecksum(path, "deadbeef")
	if !errors.Is(err, soarerr.ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestCheckChecksumNoDeclaredIsWarning(t *testing.T) {
	path := writeFile(t, t.TempDir(), "artifact", []byte("payload"))
	err := CheckChecksum(path, "")
	var w *soarerr.Warning
	if !errors.As(err, &w) {
		t.Fatalf("expected Warning for missing declared bsum, got %v", err)
	}
}

func TestChecksumFileIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a", []byte("same bytes"))
	b := writeFile(t, dir, "b", []byte("same bytes"))
	sumA, _ := ChecksumFile(a)
	sumB, _ := ChecksumFile(b)
	if sumA != sumB {
		t.Fatalf("identical content hashed differently: %s vs %s", sumA, sumB)
	}
}
