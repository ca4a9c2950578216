// Package resolve turns query strings (and URLs/GHCR refs) into
// install targets, enforcing the grammar and ambiguity rules along the
// way.
package resolve

import "github.com/pkgforge-go/soar/internal/catalogdb"

// InstallTarget is what the Installer consumes: a fully-disambiguated
// package identity plus any literal overrides the query string supplied.
type InstallTarget struct {
	RepoName string
	PkgID    string
	PkgName  string
	Version  string

	// DownloadURL/GhcrPkg/PkgType/Bsum/Size/Provides are populated from
	// the catalog match, or directly for URL/GHCR-sourced targets.
	DownloadURL string
	GhcrPkg     string
	PkgType     string
	Bsum        string
	Size        int64
	Provides    []catalogdb.Provide

	Force bool
}
