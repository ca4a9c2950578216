package catalogdb

// Set is a handle to every enabled repository's catalog store, keyed by
// repository name, used by the resolver and search commands to fan a
// query out across all of them and merge the results.
type Set map[string]*Store

// QueryAllFlat runs fn against every store in the set and flattens the
// results, each already stamped with its owning RepoName.
func (s Set) QueryAllFlat(fn func(*Store) ([]Package, error)) ([]Package, error) {
	var out []Package
	for _, store := range s {
		pkgs, err := fn(store)
		if err != nil {
			return nil, err
		}
		out = append(out, pkgs...)
	}
	return out, nil
}

// FindByPkgID looks up an exact pkg_id across every repository, returning
// the first match and its repository name.
func (s Set) FindByPkgID(pkgID string) (Package, bool, error) {
	for name, store := range s {
		ok, err := store.ExistsByPkgID(pkgID)
		if err != nil {
			return Package{}, false, err
		}
		if !ok {
			continue
		}
		pkgs, err := store.FindFiltered(FindFilteredOptions{PkgID: &pkgID, Limit: 1})
		if err != nil {
			return Package{}, false, err
		}
		if len(pkgs) > 0 {
			pkgs[0].RepoName = name
			return pkgs[0], true, nil
		}
	}
	return Package{}, false, nil
}

func (s Set) Close() {
	for _, store := range s {
		store.Close()
	}
}
