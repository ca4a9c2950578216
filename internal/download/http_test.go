package download

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/pkgforge-go/soar/internal/soarerr"
)

// elfPayload is longer than 52 bytes: filetype's ELF matcher rejects
// shorter buffers, as no real ELF header is that short.
var elfPayload = append([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}, []byte("rest of a fake static binary, padded past the ELF header size")...)

func TestDownloadWritesFileAndReportsProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(elfPayload)))
		_, _ = w.Write(elfPayload)
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "artifact")
	var stages []Stage
	err := Download(context.Background(), Options{
		URL:    srv.URL + "/artifact",
		Output: out,
		OnProgress: func(p Progress) {
			stages = append(stages, p.Stage)
		},
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(got) != string(elfPayload) {
		t.Fatalf("content mismatch: got %d bytes", len(got))
	}

	if stages[0] != StageStarting {
		t.Errorf("first stage = %v, want Starting", stages[0])
	}
	if stages[len(stages)-1] != StageComplete {
		t.Errorf("last stage = %v, want Complete", stages[len(stages)-1])
	}

	// ELF payloads come out executable.
	st, _ := os.Stat(out)
	if st.Mode()&0111 == 0 {
		t.Errorf("expected executable mode on ELF download, got %v", st.Mode())
	}
}

func TestDownloadSkipLeavesCompleteFileAlone(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write(elfPayload)
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "artifact")
	opts := Options{URL: srv.URL + "/artifact", Output: out, Overwrite: OverwriteSkip}
	if err := Download(context.Background(), opts); err != nil {
		t.Fatalf("first Download: %v", err)
	}
	if err := Download(context.Background(), opts); err != nil {
		t.Fatalf("second Download: %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected exactly one request with Skip policy, got %d", hits)
	}
}

func TestDownloadResumesFromPartialFile(t *testing.T) {
	const cut = 10
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			t.Errorf("expected a Range header on resume")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var from int
		_, _ = fmt.Sscanf(rng, "bytes=%d-", &from)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", from, len(elfPayload)-1, len(elfPayload)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(elfPayload[from:])
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "artifact")
	if err := os.WriteFile(out, elfPayload[:cut], 0644); err != nil {
		t.Fatalf("seed partial file: %v", err)
	}
	if err := saveResumeState(out, ResumeState{Downloaded: cut, Total: int64(len(elfPayload))}); err != nil {
		t.Fatalf("save resume state: %v", err)
	}

	if err := Download(context.Background(), Options{URL: srv.URL + "/artifact", Output: out}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, _ := os.ReadFile(out)
	if string(got) != string(elfPayload) {
		t.Fatalf("resumed file corrupt: got %d bytes, want %d", len(got), len(elfPayload))
	}

	// Resume state is cleared after a completed transfer.
	state, err := loadResumeState(out)
	if err != nil {
		t.Fatalf("loadResumeState: %v", err)
	}
	if state.Downloaded != 0 {
		t.Errorf("expected cleared resume state, got %+v", state)
	}
}

func TestDownloadRestartsWhenServerIgnoresRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Full 200 despite the Range request: client must restart.
		_, _ = w.Write(elfPayload)
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "artifact")
	if err := os.WriteFile(out, []byte("stale partial bytes"), 0644); err != nil {
		t.Fatalf("seed partial file: %v", err)
	}
	if err := saveResumeState(out, ResumeState{Downloaded: 19, Total: int64(len(elfPayload))}); err != nil {
		t.Fatalf("save resume state: %v", err)
	}

	if err := Download(context.Background(), Options{URL: srv.URL + "/artifact", Output: out}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, _ := os.ReadFile(out)
	if string(got) != string(elfPayload) {
		t.Fatalf("expected clean restart, got %q", string(got[:min(len(got), 20)]))
	}
}

func TestResumeStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial")
	if err := os.WriteFile(path, []byte("abc"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := ResumeState{Downloaded: 3, Total: 100, ETag: `"v1"`, LastModified: "yesterday"}
	if err := saveResumeState(path, want); err != nil {
		t.Fatalf("saveResumeState: %v", err)
	}
	got, err := loadResumeState(path)
	if err != nil {
		t.Fatalf("loadResumeState: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
	clearResumeState(path)
	got, _ = loadResumeState(path)
	if got.Downloaded != 0 {
		t.Fatalf("expected cleared state, got %+v", got)
	}
}

func TestMatchesAnyGlob(t *testing.T) {
	cases := []struct {
		patterns []string
		name     string
		want     bool
	}{
		{nil, "anything", true},
		{[]string{"**"}, "deep/path/bin", true},
		{[]string{"*.AppImage"}, "tool.AppImage", true},
		{[]string{"*.AppImage"}, "dir/tool.AppImage", true},
		{[]string{"*.AppImage"}, "tool.tar.gz", false},
		{[]string{"**", "!*.desktop"}, "app.desktop", false},
		{[]string{"**", "!*.desktop"}, "app", true},
		{[]string{"!LICENSE*"}, "LICENSE.md", false},
		{[]string{"!LICENSE*"}, "binary", true},
	}
	for _, c := range cases {
		if got := matchesAnyGlob(c.patterns, c.name); got != c.want {
			t.Errorf("matchesAnyGlob(%v, %q) = %v, want %v", c.patterns, c.name, got, c.want)
		}
	}
}

func TestIsELF(t *testing.T) {
	dir := t.TempDir()
	elf := filepath.Join(dir, "elf")
	if err := os.WriteFile(elf, elfPayload, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	script := filepath.Join(dir, "script")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !isELF(elf) {
		t.Errorf("expected ELF magic to be detected")
	}
	if isELF(script) {
		t.Errorf("shell script misdetected as ELF")
	}
}

func TestIsTransient(t *testing.T) {
	if !isTransient(fmt.Errorf("wrapped: %w", &soarerr.HTTPError{Status: http.StatusTooManyRequests, URL: "u"})) {
		t.Errorf("http 429 should be transient")
	}
	if !isTransient(&soarerr.NetworkError{Cause: fmt.Errorf("reset")}) {
		t.Errorf("network errors should be transient")
	}
	if isTransient(&soarerr.HTTPError{Status: http.StatusNotFound, URL: "u"}) {
		t.Errorf("404 is permanent")
	}
	if isTransient(fmt.Errorf("plain failure")) {
		t.Errorf("plain errors are not transient")
	}
}
