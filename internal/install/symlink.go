package install

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/h2non/filetype"

	"github.com/pkgforge-go/soar/internal/catalogdb"
)

const symsDir = "SOAR_SYMS"

// BinaryPlan is the outcome of the symlink-precedence resolution: a
// set of (sourceInInstallDir, linkNameInBinDir) pairs.
type BinaryPlan struct {
	Links []BinaryLink
}

type BinaryLink struct {
	Source string // absolute path inside the install directory
	Name   string // filename to create in the bin dir
}

// ResolveBinaryPlan implements the full precedence chain: explicit
// binaries list > provides > auto-discovery.
func ResolveBinaryPlan(installDir string, binaries []DesiredBinary, provides []catalogdb.Provide, entrypoint, pkgName string) (BinaryPlan, error) {
	if len(binaries) > 0 {
		return resolveExplicitBinaries(installDir, binaries)
	}
	if len(provides) > 0 {
		return resolveProvides(installDir, provides), nil
	}
	source, err := discoverPrimaryExecutable(installDir, entrypoint, pkgName)
	if err != nil {
		return BinaryPlan{}, err
	}
	return BinaryPlan{Links: []BinaryLink{{Source: source, Name: pkgName}}}, nil
}

// DesiredBinary mirrors desired.Binary without importing that package
// (avoiding an import cycle back from desired into install).
type DesiredBinary struct {
	Source string
	Rename string
}

func resolveExplicitBinaries(installDir string, binaries []DesiredBinary) (BinaryPlan, error) {
	var plan BinaryPlan
	for _, b := range binaries {
		matches, err := filepath.Glob(filepath.Join(installDir, b.Source))
		if err != nil {
			return BinaryPlan{}, fmt.Errorf("binaries glob %q: %w", b.Source, err)
		}
		if len(matches) == 0 {
			return BinaryPlan{}, fmt.Errorf("binaries glob %q matched no files", b.Source)
		}
		if len(matches) == 1 && b.Rename != "" {
			plan.Links = append(plan.Links, BinaryLink{Source: matches[0], Name: b.Rename})
			continue
		}
		// A glob matching many files creates one symlink per file,
		// keeping original names.
		for _, m := range matches {
			plan.Links = append(plan.Links, BinaryLink{Source: m, Name: filepath.Base(m)})
		}
	}
	return plan, nil
}

func resolveProvides(installDir string, provides []catalogdb.Provide) BinaryPlan {
	var plan BinaryPlan
	for _, p := range provides {
		source := filepath.Join(installDir, p.Name)
		switch {
		case p.Target != nil && p.Strategy != nil && *p.Strategy == "KeepTargetOnly":
			plan.Links = append(plan.Links, BinaryLink{Source: source, Name: *p.Target})
		case p.Target != nil && p.Strategy != nil && *p.Strategy == "KeepBoth":
			plan.Links = append(plan.Links,
				BinaryLink{Source: source, Name: *p.Target},
				BinaryLink{Source: source, Name: p.Name})
		default:
			plan.Links = append(plan.Links, BinaryLink{Source: source, Name: p.Name})
		}
	}
	return plan
}

// discoverPrimaryExecutable is the 5-stage
// fallback: entrypoint, SOAR_SYMS/install-dir scan with name
// preference, standard bin subdirs, and finally a recursive ELF scan.
func discoverPrimaryExecutable(installDir, entrypoint, pkgName string) (string, error) {
	if entrypoint != "" {
		for _, dir := range []string{installDir, filepath.Join(installDir, symsDir)} {
			p := filepath.Join(dir, entrypoint)
			if fileExists(p) {
				return p, nil
			}
		}
	}

	scanDir := filepath.Join(installDir, symsDir)
	insideSyms := true
	if !dirExists(scanDir) {
		scanDir = installDir
		insideSyms = false
	}
	if candidate, err := pickByNamePreference(scanDir, pkgName, insideSyms); err == nil && candidate != "" {
		return candidate, nil
	}

	for _, sub := range []string{"bin", "usr/bin", "usr/local/bin"} {
		dir := filepath.Join(installDir, sub)
		if !dirExists(dir) {
			continue
		}
		if candidate, err := pickByNamePreference(dir, pkgName, false); err == nil && candidate != "" {
			return candidate, nil
		}
	}

	return recursiveELFScan(installDir, pkgName)
}

// pickByNamePreference lists files directly under dir and prefers, in
// order: exact filename match, case-insensitive filename match,
// case-insensitive file-stem match. Outside SOAR_SYMS, only ELF files
// qualify; inside it, any file does.
func pickByNamePreference(dir, pkgName string, anyFile bool) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var candidates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if anyFile || isELFFile(p) {
			candidates = append(candidates, p)
		}
	}
	sort.Strings(candidates)

	lowerPkg := strings.ToLower(pkgName)
	var exact, ciName, ciStem string
	for _, c := range candidates {
		name := filepath.Base(c)
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if name == pkgName && exact == "" {
			exact = c
		}
		if strings.ToLower(name) == lowerPkg && ciName == "" {
			ciName = c
		}
		if strings.ToLower(stem) == lowerPkg && ciStem == "" {
			ciStem = c
		}
	}
	for _, c := range []string{exact, ciName, ciStem} {
		if c != "" {
			return c, nil
		}
	}
	return "", nil
}

func recursiveELFScan(root, pkgName string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil || d.IsDir() || found != "" {
			return werr
		}
		if isELFFile(path) {
			found = path
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("no primary executable found for %s under %s", pkgName, root)
	}
	return found, nil
}

func isELFFile(path string) bool {
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
	return err == nil && kind.Extension == "elf"
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

func dirExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.IsDir()
}

// CreateBinLinks materializes a BinaryPlan into binDir, removing any
// existing file/symlink at each link path first and setting +x on every
// source file that isn't already executable.
func CreateBinLinks(plan BinaryPlan, binDir string) error {
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return err
	}
	for _, link := range plan.Links {
		if err := ensureExecutable(link.Source); err != nil {
			return err
		}
		dst := filepath.Join(binDir, link.Name)
		_ = os.Remove(dst)
		if err := os.Symlink(link.Source, dst); err != nil {
			return fmt.Errorf("symlink %s -> %s: %w", dst, link.Source, err)
		}
	}
	return nil
}

func ensureExecutable(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	if st.Mode()&0111 != 0 {
		return nil
	}
	return os.Chmod(path, 0755)
}

// UnlinkBinariesInto removes every symlink in binDir whose target
// resolves into installDir.
func UnlinkBinariesInto(binDir, installDir string) error {
	entries, err := os.ReadDir(binDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	absInstall, err := filepath.Abs(installDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := filepath.Join(binDir, e.Name())
		target, err := os.Readlink(p)
		if err != nil {
			continue
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(binDir, target)
		}
		if strings.HasPrefix(target, absInstall+string(filepath.Separator)) || target == absInstall {
			_ = os.Remove(p)
		}
	}
	return nil
}
