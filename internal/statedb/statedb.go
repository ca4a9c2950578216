// Package statedb is the single, authoritative read/write database of
// installed packages (one file under the user data dir). It is kept to
// a single writer: SetMaxOpenConns(1) turns the connection pool itself
// into the connection-level mutex that serializes every state
// transition, since sqlite's writer concurrency story is "one at a
// time" anyway.
package statedb

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// InstalledPackage is the packages table row plus its optional portable
// sidecar, already flattened for callers.
type InstalledPackage struct {
	ID            int64   `db:"id"`
	RepoName      string  `db:"repo_name"`
	PkgID         string  `db:"pkg_id"`
	PkgName       string  `db:"pkg_name"`
	Version       string  `db:"version"`
	IsInstalled   bool    `db:"is_installed"`
	Pinned        bool    `db:"pinned"`
	Unlinked      bool    `db:"unlinked"`
	Detached      bool    `db:"detached"`
	WithPkgID     bool    `db:"with_pkg_id"`
	InstalledPath string  `db:"installed_path"`
	InstalledDate *string `db:"installed_date"`
	Checksum      *string `db:"checksum"`
	Size          int64   `db:"size"`
	ProvidesJSON  *string `db:"provides"`
	PatternsJSON  *string `db:"install_patterns"`
	Profile       string  `db:"profile"`

	Portable *Portable `db:"-"`
}

// Portable is the portable_package sidecar row.
type Portable struct {
	PackageID int64   `db:"package_id"`
	Path      *string `db:"path"`
	Home      *string `db:"home"`
	Config    *string `db:"config"`
	Share     *string `db:"share"`
	Cache     *string `db:"cache"`
}

func (p InstalledPackage) Provides() []string        { return decodeList(p.ProvidesJSON) }
func (p InstalledPackage) InstallPatterns() []string { return decodeList(p.PatternsJSON) }

func decodeList(raw *string) []string {
	if raw == nil || *raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(*raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeList(items []string) *string {
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

// Store wraps the single state database.
type Store struct {
	db *sqlx.DB
}

func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply state schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

type SortDirection int

const (
	SortNone SortDirection = iota
	SortAsc
	SortDesc
)

// ListFilteredOptions mirrors the list_filtered design contract: every
// field is an optional exact-match filter, joined with the portable
// sidecar.
type ListFilteredOptions struct {
	Repo        *string
	Name        *string
	PkgID       *string
	Version     *string
	IsInstalled *bool
	Pinned      *bool
	Limit       int
	Sort        SortDirection
}

func (s *Store) ListFiltered(opts ListFilteredOptions) ([]InstalledPackage, error) {
	q := "SELECT * FROM packages WHERE 1=1"
	var args []any
	if opts.Repo != nil {
		q += " AND repo_name = ?"
		args = append(args, *opts.Repo)
	}
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
	if opts.IsInstalled != nil {
		q += " AND is_installed = ?"
		args = append(args, *opts.IsInstalled)
	}
	if opts.Pinned != nil {
		q += " AND pinned = ?"
		args = append(args, *opts.Pinned)
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
	var pkgs []InstalledPackage
	if err := s.db.Select(&pkgs, q, args...); err != nil {
		return nil, err
	}
	if err := s.attachPortables(pkgs); err != nil {
		return nil, err
	}
	return pkgs, nil
}

func (s *Store) attachPortables(pkgs []InstalledPackage) error {
	for i := range pkgs {
		var p Portable
		err := s.db.Get(&p, "SELECT * FROM portable_package WHERE package_id = ?", pkgs[i].ID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}
		pkgs[i].Portable = &p
	}
	return nil
}

func (s *Store) FindExact(repo, name, pkgID, version string) (*InstalledPackage, error) {
	var pkg InstalledPackage
	err := s.db.Get(&pkg, `SELECT * FROM packages
		WHERE repo_name = ? AND pkg_name = ? AND pkg_id = ? AND version = ?`,
		repo, name, pkgID, version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rows := []InstalledPackage{pkg}
	if err := s.attachPortables(rows); err != nil {
		return nil, err
	}
	return &rows[0], nil
}

// ListUpdatable returns every installed, unpinned record.
func (s *Store) ListUpdatable() ([]InstalledPackage, error) {
	installed, pinned := true, false
	return s.ListFiltered(ListFilteredOptions{IsInstalled: &installed, Pinned: &pinned})
}

// ListBroken returns every non-installed (pending/crashed) record.
func (s *Store) ListBroken() ([]InstalledPackage, error) {
	installed := false
	return s.ListFiltered(ListFilteredOptions{IsInstalled: &installed})
}

// Insert creates a pending record and returns its surrogate id.
func (s *Store) Insert(repo, pkgID, pkgName, version string, patterns []string, profile string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO packages (repo_name, pkg_id, pkg_name, version, is_installed, install_patterns, profile)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		repo, pkgID, pkgName, version, encodeList(patterns), profile)
	if err != nil {
		return 0, fmt.Errorf("insert pending record: %w", err)
	}
	return res.LastInsertId()
}

// RecordInstallationParams groups the fields filled in at commit time.
type RecordInstallationParams struct {
	Repo     string
	PkgName  string
	PkgID    string
	Version  string
	Size     int64
	Provides []string
	Checksum string
	Path     string
}

// RecordInstallation flips the single pending row matching the key to
// committed, filling in the final metadata. It errors if zero or more
// than one row matches, since either indicates the caller lost track of
// which pending record this installation belongs to.
func (s *Store) RecordInstallation(p RecordInstallationParams) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE packages SET is_installed = 1, size = ?, provides = ?, checksum = ?,
			installed_date = ?, installed_path = ?
		WHERE repo_name = ? AND pkg_name = ? AND pkg_id = ? AND version = ? AND is_installed = 0`,
		p.Size, encodeList(p.Provides), p.Checksum, now, p.Path,
		p.Repo, p.PkgName, p.PkgID, p.Version)
	if err != nil {
		return 0, fmt.Errorf("record installation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("record installation: no pending row matched %s/%s@%s", p.PkgID, p.PkgName, p.Version)
	}
	if n > 1 {
		return 0, fmt.Errorf("record installation: %d pending rows matched %s/%s@%s, expected 1", n, p.PkgID, p.PkgName, p.Version)
	}
	row, err := s.FindExact(p.Repo, p.PkgName, p.PkgID, p.Version)
	if err != nil {
		return 0, err
	}
	return row.ID, nil
}

// UnlinkOthers sets unlinked=true on every other variant sharing
// pkg_name and clears it on the kept one, so exactly one variant per
// name stays linked after an install or a sibling reactivation.
func (s *Store) UnlinkOthers(pkgName, keepPkgID, keepVersion string) error {
	_, err := s.db.Exec(`
		UPDATE packages
		SET unlinked = CASE WHEN pkg_id = ? AND version = ? THEN 0 ELSE 1 END
		WHERE pkg_name = ?`,
		keepPkgID, keepVersion, pkgName)
	return err
}

func (s *Store) Delete(id int64) error {
	_, err := s.db.Exec("DELETE FROM packages WHERE id = ?", id)
	return err
}

// DeletePendingInstalls removes every pending (is_installed=0) record
// matching the key and returns their installed_path values so the
// caller can clean up the on-disk directories.
func (s *Store) DeletePendingInstalls(pkgID, pkgName, repo string) ([]string, error) {
	var paths []string
	if err := s.db.Select(&paths, `
		SELECT installed_path FROM packages
		WHERE pkg_id = ? AND pkg_name = ? AND repo_name = ? AND is_installed = 0`,
		pkgID, pkgName, repo); err != nil {
		return nil, err
	}
	_, err := s.db.Exec(`
		DELETE FROM packages WHERE pkg_id = ? AND pkg_name = ? AND repo_name = ? AND is_installed = 0`,
		pkgID, pkgName, repo)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// UpdatePkgID rewrites a pkg_id across every state row when the sync
// layer's validation step discovers a catalog-announced replacement.
func (s *Store) UpdatePkgID(repo, oldPkgID, newPkgID string) error {
	_, err := s.db.Exec("UPDATE packages SET pkg_id = ? WHERE repo_name = ? AND pkg_id = ?",
		newPkgID, repo, oldPkgID)
	return err
}

// GetOldPackagePaths returns installed_path for every installed row of
// (repo, pkgID, pkgName) except the newest by surrogate id, honoring
// pinned unless force is set.
func (s *Store) GetOldPackagePaths(repo, pkgID, pkgName string, force bool) ([]int64, []string, error) {
	q := `SELECT id, installed_path FROM packages
		WHERE repo_name = ? AND pkg_id = ? AND pkg_name = ? AND is_installed = 1
		ORDER BY id DESC`
	var rows []struct {
		ID   int64  `db:"id"`
		Path string `db:"installed_path"`
	}
	if err := s.db.Select(&rows, q, repo, pkgID, pkgName); err != nil {
		return nil, nil, err
	}
	if len(rows) <= 1 {
		return nil, nil, nil
	}
	var ids []int64
	var paths []string
	for _, r := range rows[1:] {
		if !force {
			var pinned bool
			if err := s.db.Get(&pinned, "SELECT pinned FROM packages WHERE id = ?", r.ID); err != nil {
				return nil, nil, err
			}
			if pinned {
				continue
			}
		}
		ids = append(ids, r.ID)
		paths = append(paths, r.Path)
	}
	return ids, paths, nil
}

// DeleteOldPackages deletes the given surrogate ids (as returned by
// GetOldPackagePaths).
func (s *Store) DeleteOldPackages(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	q := fmt.Sprintf("DELETE FROM packages WHERE id IN (%s)", strings.Join(placeholders, ","))
	_, err := s.db.Exec(q, args...)
	return err
}

// UpsertPortable writes the portable sidecar for a record.
func (s *Store) UpsertPortable(recordID int64, path, home, config, share, cache string) error {
	_, err := s.db.Exec(`
		INSERT INTO portable_package (package_id, path, home, config, share, cache)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (package_id) DO UPDATE SET
			path = excluded.path, home = excluded.home, config = excluded.config,
			share = excluded.share, cache = excluded.cache`,
		recordID, nullIfEmpty(path), nullIfEmpty(home), nullIfEmpty(config), nullIfEmpty(share), nullIfEmpty(cache))
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SetPinned toggles the pinned flag on a record, used by the CLI's pin
// and unpin operations.
func (s *Store) SetPinned(id int64, pinned bool) error {
	_, err := s.db.Exec("UPDATE packages SET pinned = ? WHERE id = ?", pinned, id)
	return err
}
