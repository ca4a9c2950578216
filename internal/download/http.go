package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeclysm/extract/v3"
	"github.com/h2non/filetype"

	"github.com/pkgforge-go/soar/internal/soarerr"
)

const (
	maxRetries   = 5
	retryBackoff = 5 * time.Second
)

// Options configures a single-file HTTP download.
type Options struct {
	URL       string
	Output    string
	Overwrite OverwritePolicy
	Extract   bool
	ExtractTo string
	// GlobFilter restricts which archive members get extracted; empty
	// means extract everything.
	GlobFilter []string
	OnProgress func(Progress)
	OnRetry    func(RetryEvent, int)

	Client *http.Client
}

func (o Options) client() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return http.DefaultClient
}

func (o Options) progress(p Progress) {
	if o.OnProgress != nil {
		o.OnProgress(p)
	}
}

func (o Options) retry(e RetryEvent, attempt int) {
	if o.OnRetry != nil {
		o.OnRetry(e, attempt)
	}
}

// Download fetches opts.URL into opts.Output, resuming a previously
// interrupted attempt when resume state is present. It retries
// transient errors (429, network failures) up to maxRetries times with
// a fixed retryBackoff.
func Download(ctx context.Context, opts Options) error {
	if opts.Overwrite == OverwriteSkip {
		if st, err := os.Stat(opts.Output); err == nil && st.Size() > 0 {
			// Resume state (xattr or sidecar) marks an incomplete prior
			// attempt; its absence on a non-empty file means complete.
			if state, rerr := loadResumeState(opts.Output); rerr == nil && state.Downloaded == 0 {
				return nil
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(opts.Output), 0755); err != nil {
		return fmt.Errorf("download: mkdir: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			opts.retry(RetryAttempt, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff):
			}
		}

		err := attemptDownload(ctx, opts)
		if err == nil {
			if attempt > 0 {
				opts.retry(RetryRecovered, attempt)
			}
			return finalizeDownload(opts)
		}
		lastErr = err
		if !isTransient(err) {
			return err
		}
	}
	opts.retry(RetryAborted, maxRetries)
	return fmt.Errorf("download %s: giving up after %d retries: %w", opts.URL, maxRetries, lastErr)
}

func isTransient(err error) bool {
	var httpErr *soarerr.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusTooManyRequests || httpErr.Status >= 500
	}
	var netErr *soarerr.NetworkError
	return errors.As(err, &netErr)
}

func attemptDownload(ctx context.Context, opts Options) error {
	state, err := loadResumeState(opts.Output)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("download: build request: %w", err)
	}

	resuming := state.Downloaded > 0
	if resuming {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", state.Downloaded))
		if state.ETag != "" {
			req.Header.Set("If-Range", state.ETag)
		} else if state.LastModified != "" {
			req.Header.Set("If-Range", state.LastModified)
		}
		opts.progress(Progress{Stage: StageResuming, Downloaded: state.Downloaded, Total: state.Total})
	} else {
		opts.progress(Progress{Stage: StageStarting, Total: state.Total})
	}

	resp, err := opts.client().Do(req)
	if err != nil {
		return &soarerr.NetworkError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &soarerr.HTTPError{Status: resp.StatusCode, URL: opts.URL}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return &soarerr.HTTPError{Status: resp.StatusCode, URL: opts.URL}
	}

	// Server ignored the Range request (full 200 instead of 206):
	// restart cleanly from zero.
	fullRestart := resuming && resp.StatusCode == http.StatusOK
	flags := os.O_CREATE | os.O_WRONLY
	offset := state.Downloaded
	if fullRestart || !resuming {
		flags |= os.O_TRUNC
		offset = 0
	} else {
		flags |= os.O_APPEND
	}

	f, err := os.OpenFile(opts.Output, flags, 0644)
	if err != nil {
		return fmt.Errorf("download: open output: %w", err)
	}
	defer f.Close()

	total := resp.ContentLength
	if resp.StatusCode == http.StatusPartialContent {
		total += offset
	}
	if total <= 0 {
		total = state.Total
	}

	written, copyErr := io.Copy(f, progressReader{r: resp.Body, base: offset, total: total, cb: opts.OnProgress})
	downloaded := offset + written

	etag := resp.Header.Get("ETag")
	lastMod := resp.Header.Get("Last-Modified")
	if copyErr != nil {
		_ = saveResumeState(opts.Output, ResumeState{Downloaded: downloaded, Total: total, ETag: etag, LastModified: lastMod})
		return &soarerr.NetworkError{Cause: copyErr}
	}

	if total > 0 && downloaded < total {
		_ = saveResumeState(opts.Output, ResumeState{Downloaded: downloaded, Total: total, ETag: etag, LastModified: lastMod})
		return &soarerr.NetworkError{Cause: fmt.Errorf("short read: got %d of %d bytes", downloaded, total)}
	}
	return nil
}

type progressReader struct {
	r     io.Reader
	base  int64
	total int64
	seen  int64
	cb    func(Progress)
}

func (p progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 && p.cb != nil {
		p.seen += int64(n)
		p.cb(Progress{Stage: StageChunk, Downloaded: p.base + p.seen, Total: p.total})
	}
	return n, err
}

// finalizeDownload runs post-download steps common to both fresh and
// resumed transfers: clearing resume state, setting the executable bit
// on ELF payloads, and optional archive extraction.
func finalizeDownload(opts Options) error {
	clearResumeState(opts.Output)
	opts.progress(Progress{Stage: StageComplete})

	if isELF(opts.Output) {
		if err := os.Chmod(opts.Output, 0755); err != nil {
			return fmt.Errorf("download: chmod elf: %w", err)
		}
	}

	if opts.Extract {
		extractTo := opts.ExtractTo
		if extractTo == "" {
			extractTo = filepath.Dir(opts.Output)
		}
		if err := extractArchive(opts.Output, extractTo, opts.GlobFilter); err != nil {
			return fmt.Errorf("download: extract %s: %w", opts.Output, err)
		}
	}
	return nil
}

// isELF sniffs the first bytes of path for the ELF magic; detected
// ELF payloads get mode 0755 after download.
func isELF(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, 261)
	n, _ := f.Read(head)
	if n == 0 {
		return false
	}
	kind, err := filetype.Match(head[:n])
	if err != nil {
		return false
	}
	return kind.Extension == "elf"
}

// extractArchive extracts src into dst, honoring glob as a member-name
// allowlist when non-empty. codeclysm/extract/v3 has no built-in filter
// hook, so this wraps it with a Renamer that returns "" (skip) for
// members that miss every glob.
func extractArchive(src, dst string, glob []string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	rename := func(name string) string {
		if len(glob) == 0 {
			return name
		}
		if matchesAnyGlob(glob, name) {
			return name
		}
		return ""
	}
	return extract.Archive(context.Background(), f, dst, rename)
}

// matchesAnyGlob implements the install-pattern contract: a "!"-prefixed
// pattern excludes, everything else includes ("**" includes all). A name
// is kept when it hits an include (or no include pattern exists) and
// misses every exclude.
func matchesAnyGlob(patterns []string, name string) bool {
	var includes, excludes []string
	for _, p := range patterns {
		if rest, ok := strings.CutPrefix(p, "!"); ok {
			excludes = append(excludes, rest)
		} else {
			includes = append(includes, p)
		}
	}
	for _, p := range excludes {
		if matchesGlob(p, name) {
			return false
		}
	}
	if len(includes) == 0 {
		return true
	}
	for _, p := range includes {
		if p == "**" || matchesGlob(p, name) {
			return true
		}
	}
	return false
}

func matchesGlob(pattern, name string) bool {
	if ok, _ := filepath.Match(pattern, name); ok {
		return true
	}
	ok, _ := filepath.Match(pattern, filepath.Base(name))
	return ok
}
