// Package catalogdb is the read-mostly per-repository package catalog
// store. One SQLite file backs one repository; the
// federation helpers in federation.go fan a query out across every
// attached repository handle and stamp each result's RepoName.
//
// The schema is applied on open; the sync layer (internal/registry)
// regenerates a catalog wholesale rather than migrating it
// incrementally in place.
package catalogdb

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lithammer/fuzzysearch/fuzzy"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Package mirrors the catalog store's package entity.
type Package struct {
	ID                 int64   `db:"id" json:"-"`
	PkgID              string  `db:"pkg_id" json:"pkg_id"`
	PkgName            string  `db:"pkg_name" json:"pkg_name"`
	Version            string  `db:"version" json:"version"`
	PkgType            *string `db:"pkg_type" json:"pkg_type,omitempty"`
	DownloadURL        *string `db:"download_url" json:"download_url,omitempty"`
	GhcrPkg            *string `db:"ghcr_pkg" json:"ghcr_pkg,omitempty"`
	Size               int64   `db:"size" json:"size"`
	Bsum               *string `db:"bsum" json:"bsum,omitempty"`
	ProvidesJSON       *string `db:"provides" json:"-"`
	Description        *string `db:"description" json:"description,omitempty"`
	VersionUpstream    *string `db:"version_upstream" json:"version_upstream,omitempty"`
	HomepagesJSON      *string `db:"homepages" json:"-"`
	LicensesJSON       *string `db:"licenses" json:"-"`
	NotesJSON          *string `db:"notes" json:"-"`
	DesktopIntegration bool    `db:"desktop_integration" json:"desktop_integration"`
	ReplacesJSON       *string `db:"replaces" json:"-"`

	// RepoName is never a column; it is stamped in by whichever handle
	// served the row (single-repo query or federation fan-out).
	RepoName string `db:"-" json:"repo_name"`
}

type Provide struct {
	Name     string  `json:"name"`
	Target   *string `json:"target,omitempty"`
	Strategy *string `json:"strategy,omitempty"` // "KeepTargetOnly" | "KeepBoth"
}

func (p Package) Provides() []Provide {
	return decodeList[Provide](p.ProvidesJSON)
}

func (p Package) Homepages() []string {
	return decodeList[string](p.HomepagesJSON)
}

func (p Package) Licenses() []string {
	return decodeList[string](p.LicensesJSON)
}

func (p Package) Notes() []string {
	return decodeList[string](p.NotesJSON)
}

func (p Package) Replaces() []string {
	return decodeList[string](p.ReplacesJSON)
}

func decodeList[T any](raw *string) []T {
	if raw == nil || *raw == "" {
		return nil
	}
	var out []T
	if err := json.Unmarshal([]byte(*raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeList[T any](items []T) *string {
	if len(items) == 0 {
		return nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

// Maintainer is the catalog's maintainer entity, linked many-to-many via
// package_maintainers.
type Maintainer struct {
	Name    string `json:"name"`
	Contact string `json:"contact,omitempty"`
}

// RemotePackage is the decode target for a repository's raw JSON package
// feed: a JSON array of package objects.
type RemotePackage struct {
	PkgID              string       `json:"pkg_id"`
	PkgName            string       `json:"pkg_name"`
	Version            string       `json:"version"`
	PkgType            string       `json:"pkg_type"`
	DownloadURL        string       `json:"download_url"`
	GhcrPkg            string       `json:"ghcr_pkg"`
	Size               int64        `json:"size"`
	Bsum               string       `json:"bsum"`
	Provides           []Provide    `json:"provides"`
	Description        string       `json:"description"`
	VersionUpstream    string       `json:"version_upstream"`
	Homepages          []string     `json:"homepages"`
	Licenses           []string     `json:"licenses"`
	Notes              []string     `json:"notes"`
	DesktopIntegration bool         `json:"desktop_integration"`
	Replaces           []string     `json:"replaces"`
	Maintainers        []Maintainer `json:"maintainers"`
}

// Store wraps one repository's metadata.db.
type Store struct {
	RepoName string
	db       *sqlx.DB
}

func Open(path, repoName string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open catalog db %s: %w", path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply catalog schema: %w", err)
	}
	return &Store{RepoName: repoName, db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

type SortDirection int

const (
	SortNone SortDirection = iota
	SortAsc
	SortDesc
)

// FindFilteredOptions mirrors the catalog's exact-match filter set.
type FindFilteredOptions struct {
	Name    *string
	PkgID   *string
	Version *string
	Limit   int
	Sort    SortDirection
}

func (s *Store) FindFiltered(opts FindFilteredOptions) ([]Package, error) {
	q := "SELECT * FROM packages WHERE 1=1"
	var args []any
	if opts.Name != nil {
		q += " AND pkg_name = ?"
		args = append(args, *opts.Name)
	}
	if opts.PkgID != nil {
		q += " AND pkg_id = ?"
		args = append(args, *opts.PkgID)
	}
	if opts.Version != nil {
		q += " AND version = ?"
		args = append(args, *opts.Version)
	}
	switch opts.Sort {
	case SortAsc:
		q += " ORDER BY id ASC"
	case SortDesc:
		q += " ORDER BY id DESC"
	}
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	var pkgs []Package
	if err := s.db.Select(&pkgs, q, args...); err != nil {
		return nil, err
	}
	return stamp(pkgs, s.RepoName), nil
}

func stamp(pkgs []Package, repo string) []Package {
	for i := range pkgs {
		pkgs[i].RepoName = repo
	}
	return pkgs
}

// Search does a substring match over name and pkg_id. When the literal
// match returns nothing, it falls back to a fuzzy ranking pass so the
// CLI can offer "did you mean" suggestions instead of a flat empty
// result.
func (s *Store) Search(pattern string, limit int, caseSensitive bool) ([]Package, error) {
	if limit <= 0 {
		limit = 50
	}
	var q string
	var args []any
	if caseSensitive {
		q = "SELECT * FROM packages WHERE pkg_name GLOB ? OR pkg_id GLOB ? LIMIT ?"
		glob := "*" + pattern + "*"
		args = []any{glob, glob, limit}
	} else {
		q = "SELECT * FROM packages WHERE lower(pkg_name) LIKE ? OR lower(pkg_id) LIKE ? LIMIT ?"
		like := "%" + strings.ToLower(pattern) + "%"
		args = []any{like, like, limit}
	}
	var pkgs []Package
	if err := s.db.Select(&pkgs, q, args...); err != nil {
		return nil, err
	}
	if len(pkgs) == 0 {
		return s.fuzzySearch(pattern, limit)
	}
	return stamp(pkgs, s.RepoName), nil
}

// fuzzySearch is the "did you mean" fallback when a literal substring
// search comes back empty: keep the package names that contain every
// character of pattern in order (case-insensitive), rank them by
// closeness, and return the closest hits. A pattern longer than a name
// never matches that name.
func (s *Store) fuzzySearch(pattern string, limit int) ([]Package, error) {
	var all []Package
	if err := s.db.Select(&all, "SELECT * FROM packages"); err != nil {
		return nil, err
	}
	names := make([]string, len(all))
	for i, p := range all {
		names[i] = p.PkgName
	}
	ranks := fuzzy.RankFindFold(pattern, names)
	sort.Sort(ranks)

	out := make([]Package, 0, limit)
	for _, r := range ranks {
		if len(out) >= limit {
			break
		}
		out = append(out, all[r.OriginalIndex])
	}
	return stamp(out, s.RepoName), nil
}

// FindNewerVersion implements the newest-candidate comparison plus the
// HEAD-YYYYMMDDTHHMM special case: for "HEAD-" prefixed versions the
// comparison is a strict lexical compare on the suffix, since those
// versions aren't semver.
func (s *Store) FindNewerVersion(name, pkgID, currentVersion string) (*Package, error) {
	var candidates []Package
	q := "SELECT * FROM packages WHERE pkg_name = ? AND pkg_id = ?"
	if err := s.db.Select(&candidates, q, name, pkgID); err != nil {
		return nil, err
	}
	best := findNewest(candidates, currentVersion)
	if best == nil {
		return nil, nil
	}
	best.RepoName = s.RepoName
	return best, nil
}

func (s *Store) ExistsByPkgID(pkgID string) (bool, error) {
	var n int
	if err := s.db.Get(&n, "SELECT COUNT(*) FROM packages WHERE pkg_id = ?", pkgID); err != nil {
		return false, err
	}
	return n > 0, nil
}

// FindReplacementPkgID walks every package's `replaces` array looking
// for one that absorbs obsoletePkgID.
func (s *Store) FindReplacementPkgID(obsoletePkgID string) (string, bool, error) {
	var pkgs []Package
	if err := s.db.Select(&pkgs, "SELECT * FROM packages WHERE replaces IS NOT NULL"); err != nil {
		return "", false, err
	}
	for _, p := range pkgs {
		for _, r := range p.Replaces() {
			if r == obsoletePkgID {
				return p.PkgID, true, nil
			}
		}
	}
	return "", false, nil
}

// ImportPackages transactionally inserts remote packages with
// ON CONFLICT DO NOTHING and upserts the singleton repository row,
// matching the repository sync contract exactly.
func (s *Store) ImportPackages(pkgs []RemotePackage, etag string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const insertSQL = `
		INSERT INTO packages (
			pkg_id, pkg_name, version, pkg_type, download_url, ghcr_pkg, size,
			bsum, provides, description, version_upstream, homepages, licenses,
			notes, desktop_integration, replaces
		) VALUES (:pkg_id, :pkg_name, :version, :pkg_type, :download_url, :ghcr_pkg, :size,
			:bsum, :provides, :description, :version_upstream, :homepages, :licenses,
			:notes, :desktop_integration, :replaces)
		ON CONFLICT (pkg_id, pkg_name, version) DO NOTHING`

	for _, rp := range pkgs {
		row := map[string]any{
			"pkg_id":              rp.PkgID,
			"pkg_name":            rp.PkgName,
			"version":             rp.Version,
			"pkg_type":            nullIfEmpty(rp.PkgType),
			"download_url":        nullIfEmpty(rp.DownloadURL),
			"ghcr_pkg":            nullIfEmpty(rp.GhcrPkg),
			"size":                rp.Size,
			"bsum":                nullIfEmpty(rp.Bsum),
			"provides":            encodeList(rp.Provides),
			"description":         nullIfEmpty(rp.Description),
			"version_upstream":    nullIfEmpty(rp.VersionUpstream),
			"homepages":           encodeList(rp.Homepages),
			"licenses":            encodeList(rp.Licenses),
			"notes":               encodeList(rp.Notes),
			"desktop_integration": rp.DesktopIntegration,
			"replaces":            encodeList(rp.Replaces),
		}
		if _, err := tx.NamedExec(insertSQL, row); err != nil {
			return fmt.Errorf("import package %s/%s: %w", rp.PkgID, rp.PkgName, err)
		}
		if len(rp.Maintainers) > 0 {
			if err := linkMaintainers(tx, rp); err != nil {
				return fmt.Errorf("import maintainers for %s/%s: %w", rp.PkgID, rp.PkgName, err)
			}
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO repository (id, name, etag) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, etag = excluded.etag`,
		s.RepoName, etag); err != nil {
		return fmt.Errorf("upsert repository row: %w", err)
	}

	return tx.Commit()
}

// linkMaintainers upserts each maintainer row and the many-to-many link
// for one imported package.
func linkMaintainers(tx *sqlx.Tx, rp RemotePackage) error {
	var pkgRowID int64
	err := tx.Get(&pkgRowID, "SELECT id FROM packages WHERE pkg_id = ? AND pkg_name = ? AND version = ?",
		rp.PkgID, rp.PkgName, rp.Version)
	if err != nil {
		return err
	}
	for _, m := range rp.Maintainers {
		if _, err := tx.Exec(`
			INSERT INTO maintainers (name, contact) VALUES (?, ?)
			ON CONFLICT (name, contact) DO NOTHING`, m.Name, nullIfEmpty(m.Contact)); err != nil {
			return err
		}
		var maintainerID int64
		if err := tx.Get(&maintainerID,
			"SELECT id FROM maintainers WHERE name = ? AND contact IS ?", m.Name, nullIfEmpty(m.Contact)); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO package_maintainers (package_id, maintainer_id) VALUES (?, ?)
			ON CONFLICT (package_id, maintainer_id) DO NOTHING`, pkgRowID, maintainerID); err != nil {
			return err
		}
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ETag returns the repository's cached ETag for conditional sync GETs.
func (s *Store) ETag() (string, error) {
	var etag sql.NullString
	err := s.db.Get(&etag, "SELECT etag FROM repository WHERE id = 1")
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return etag.String, nil
}

// SetETag stamps the repository singleton's etag without touching any
// package rows, used after a wholesale SQLite metadata.db swap where
// ImportPackages's row-by-row import path doesn't apply.
func (s *Store) SetETag(etag string) error {
	_, err := s.db.Exec(`
		INSERT INTO repository (id, name, etag) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET etag = excluded.etag`,
		s.RepoName, etag)
	return err
}

// SetSyncedAt stamps the repository singleton's synced_at to t,
// independent of ImportPackages, so a 304-Not-Modified sync (which
// imports nothing) still advances the sync_interval clock.
func (s *Store) SetSyncedAt(t time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO repository (id, name, etag, synced_at) VALUES (1, ?, '', ?)
		ON CONFLICT (id) DO UPDATE SET synced_at = excluded.synced_at`,
		s.RepoName, t.UTC().Format(time.RFC3339))
	return err
}

// LastSyncedAt returns the repository's last sync timestamp, or the
// zero time if it has never synced.
func (s *Store) LastSyncedAt() (time.Time, error) {
	var raw sql.NullString
	err := s.db.Get(&raw, "SELECT synced_at FROM repository WHERE id = 1")
	if err == sql.ErrNoRows || (err == nil && (!raw.Valid || raw.String == "")) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, raw.String)
}

// UpdatePkgID rewrites a pkg_id in place. The sync layer's post-sync
// replacement pass operates on the state DB, not here; this exists so a
// repository can self-correct its own rows when a feed republishes the
// same package under a corrected pkg_id.
func (s *Store) UpdatePkgID(oldPkgID, newPkgID string) error {
	_, err := s.db.Exec("UPDATE packages SET pkg_id = ? WHERE pkg_id = ?", newPkgID, oldPkgID)
	return err
}
