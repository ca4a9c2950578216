// Package registry implements the registry sync layer: a
// conditional fetch per configured repository, format-sniffed ingestion
// into that repository's catalog database, and post-sync reconciliation
// of installed records whose pkg_id was retired upstream.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/pkgforge-go/soar/internal/catalogdb"
	"github.com/pkgforge-go/soar/internal/config"
	"github.com/pkgforge-go/soar/internal/events"
	"github.com/pkgforge-go/soar/internal/soardir"
	"github.com/pkgforge-go/soar/internal/statedb"
)

var (
	zstdMagic   = []byte{0x28, 0xB5, 0x2F, 0xFD}
	sqliteMagic = []byte{0x53, 0x51, 0x4C, 0x69}
)

// Syncer fetches and ingests one or more repository catalogs.
type Syncer struct {
	State  *statedb.Store
	Bus    *events.Bus
	Client *http.Client
	Force  bool
}

func New(state *statedb.Store, bus *events.Bus) *Syncer {
	if bus == nil {
		bus = events.NewBus(nil)
	}
	return &Syncer{State: state, Bus: bus}
}

func (sy *Syncer) client() *http.Client {
	if sy.Client != nil {
		return sy.Client
	}
	return http.DefaultClient
}

// Result is one repository's sync outcome.
type Result struct {
	RepoName string
	Store    *catalogdb.Store
	Skipped  bool
	Err      error
}

// SyncAll runs SyncRepository for every enabled repository and nest
// repository in cfg, returning an open catalogdb.Set keyed by effective
// repo name (nest entries prefixed "nest-") plus per-repository errors.
func (sy *Syncer) SyncAll(ctx context.Context, cfg config.Config) (catalogdb.Set, []Result) {
	set := catalogdb.Set{}
	var results []Result

	for _, repo := range cfg.Repositories {
		if !repo.Enabled {
			continue
		}
		r := sy.syncOne(ctx, repo, repo.Name)
		results = append(results, r)
		if r.Store != nil {
			set[r.RepoName] = r.Store
		}
	}
	for _, repo := range cfg.NestRepositories {
		if !repo.Enabled {
			continue
		}
		if repo.SyncInterval == "" {
			repo.SyncInterval = cfg.NestSyncInterval
		}
		effective := "nest-" + repo.Name
		r := sy.syncOne(ctx, repo, effective)
		results = append(results, r)
		if r.Store != nil {
			set[r.RepoName] = r.Store
		}
	}
	return set, results
}

func (sy *Syncer) syncOne(ctx context.Context, repo config.Repository, effectiveName string) Result {
	store, err := sy.SyncRepository(ctx, repo, effectiveName)
	return Result{RepoName: effectiveName, Store: store, Err: err}
}

// SyncRepository runs the full sync algorithm for one repository,
// returning its (possibly freshly reopened) catalog store.
func (sy *Syncer) SyncRepository(ctx context.Context, repo config.Repository, effectiveName string) (*catalogdb.Store, error) {
	opID := sy.Bus.NextOpID()

	policy, interval, err := config.ParseSyncInterval(repo.SyncInterval)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", effectiveName, err)
	}

	dbPath := soardir.RepoDBPath(effectiveName)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	store, err := catalogdb.Open(dbPath, effectiveName)
	if err != nil {
		return nil, err
	}

	if !sy.Force {
		switch policy {
		case config.SyncNever:
			return store, nil
		case config.SyncAuto:
			if last, lerr := store.LastSyncedAt(); lerr == nil && !last.IsZero() && time.Since(last) < interval {
				return store, nil
			}
		}
	}

	sy.Bus.Emit(events.Event{OpID: opID, Kind: events.KindSync, RepoName: effectiveName, SyncStage: events.SyncFetching})

	priorEtag, _ := store.ETag()
	body, newEtag, notModified, err := sy.fetch(ctx, repo.URL, priorEtag)
	if err != nil {
		return store, fmt.Errorf("fetch %s: %w", effectiveName, err)
	}

	if notModified {
		sy.Bus.Emit(events.Event{OpID: opID, Kind: events.KindSync, RepoName: effectiveName, SyncStage: events.SyncUpToDate})
		_ = store.SetSyncedAt(time.Now())
	} else {
		store, err = sy.ingest(store, dbPath, effectiveName, body, newEtag, opID)
		if err != nil {
			return store, err
		}
		_ = store.SetSyncedAt(time.Now())
	}

	if repo.PubkeyURL != "" {
		if err := sy.fetchPubkey(ctx, repo.PubkeyURL, effectiveName); err != nil {
			sy.Bus.Emit(events.Event{
				OpID: opID, Kind: events.KindLog, RepoName: effectiveName,
				Message: fmt.Sprintf("fetch minisign pubkey: %v", err),
			})
		}
	}

	sy.Bus.Emit(events.Event{OpID: opID, Kind: events.KindSync, RepoName: effectiveName, SyncStage: events.SyncValidating})
	if err := sy.validate(store, effectiveName, opID); err != nil {
		return store, err
	}

	sy.Bus.Emit(events.Event{OpID: opID, Kind: events.KindSync, RepoName: effectiveName, SyncStage: events.SyncComplete})
	return store, nil
}

// fetch issues the conditional GET and reports whether the server
// answered 304.
func (sy *Syncer) fetch(ctx context.Context, url, etag string) (body []byte, newEtag string, notModified bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", false, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	resp, err := sy.client().Do(req)
	if err != nil {
		return nil, "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, etag, true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", false, err
	}
	return b, resp.Header.Get("ETag"), false, nil
}

// ingest decompresses if needed, sniffs the resulting bytes, and
// regenerates dbPath wholesale rather than migrating it in place,
// matching catalogdb's own "sync layer regenerates wholesale" design.
func (sy *Syncer) ingest(store *catalogdb.Store, dbPath, repoName string, body []byte, etag string, opID uint64) (*catalogdb.Store, error) {
	sy.Bus.Emit(events.Event{OpID: opID, Kind: events.KindSync, RepoName: repoName, SyncStage: events.SyncDecompressing})
	if bytes.HasPrefix(body, zstdMagic) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return store, fmt.Errorf("zstd reader: %w", err)
		}
		out, err := dec.DecodeAll(body, nil)
		dec.Close()
		if err != nil {
			return store, fmt.Errorf("zstd decompress %s: %w", repoName, err)
		}
		body = out
	}

	sy.Bus.Emit(events.Event{OpID: opID, Kind: events.KindSync, RepoName: repoName, SyncStage: events.SyncWritingDatabase})

	_ = store.Close()
	if err := os.RemoveAll(dbPath); err != nil {
		return nil, fmt.Errorf("remove stale %s: %w", dbPath, err)
	}

	if bytes.HasPrefix(body, sqliteMagic) {
		if err := atomicWrite(dbPath, body); err != nil {
			return nil, err
		}
		fresh, err := catalogdb.Open(dbPath, repoName)
		if err != nil {
			return nil, err
		}
		if err := fresh.SetETag(etag); err != nil {
			return fresh, err
		}
		return fresh, nil
	}

	fresh, err := catalogdb.Open(dbPath, repoName)
	if err != nil {
		return nil, err
	}
	var remote []catalogdb.RemotePackage
	if err := json.Unmarshal(body, &remote); err != nil {
		return fresh, fmt.Errorf("decode json catalog %s: %w", repoName, err)
	}
	if err := fresh.ImportPackages(remote, etag); err != nil {
		return fresh, err
	}
	return fresh, nil
}

// fetchPubkey caches the repository's minisign public key on first
// sync; an already-cached key is never re-fetched.
func (sy *Syncer) fetchPubkey(ctx context.Context, url, repoName string) error {
	dst := soardir.RepoPubkeyPath(repoName)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := sy.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return atomicWrite(dst, body)
}

// validate rewrites state-store pkg_ids for installed packages this
// repo's catalog has retired in favor of a declared replacement.
func (sy *Syncer) validate(store *catalogdb.Store, repoName string, opID uint64) error {
	if sy.State == nil {
		return nil
	}
	installedTrue := true
	rows, err := sy.State.ListFiltered(statedb.ListFilteredOptions{Repo: &repoName, IsInstalled: &installedTrue})
	if err != nil {
		return err
	}
	for _, row := range rows {
		exists, err := store.ExistsByPkgID(row.PkgID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		newID, found, err := store.FindReplacementPkgID(row.PkgID)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if err := sy.State.UpdatePkgID(repoName, row.PkgID, newID); err != nil {
			return err
		}
		sy.Bus.Emit(events.Event{
			OpID: opID, Kind: events.KindLog, RepoName: repoName, PkgName: row.PkgName,
			Message: fmt.Sprintf("pkg_id %s replaced by %s", row.PkgID, newID),
		})
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmp, path, err)
	}
	return nil
}
