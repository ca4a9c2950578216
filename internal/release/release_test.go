package release

import "testing"

func TestNormalizeVersion(t *testing.T) {
	if got := normalizeVersion("v1.2.3"); got != "1.2.3" {
		t.Errorf("normalizeVersion(v1.2.3) = %q", got)
	}
	if got := normalizeVersion("1.2.3"); got != "1.2.3" {
		t.Errorf("normalizeVersion(1.2.3) = %q", got)
	}
}

func TestSplitOwnerRepo(t *testing.T) {
	owner, repo, err := splitOwnerRepo("pkgforge/soar")
	if err != nil || owner != "pkgforge" || repo != "soar" {
		t.Fatalf("splitOwnerRepo = %q, %q, %v", owner, repo, err)
	}

	owner, repo, err = splitOwnerRepo("https://github.com/pkgforge/soar")
	if err != nil || owner != "pkgforge" || repo != "soar" {
		t.Fatalf("splitOwnerRepo(url) = %q, %q, %v", owner, repo, err)
	}

	if _, _, err := splitOwnerRepo("not-a-slug"); err == nil {
		t.Errorf("expected error for malformed owner/repo")
	}
}

func TestIsNewer(t *testing.T) {
	cases := []struct {
		candidate, current string
		want               bool
	}{
		{"1.8.0", "1.7.1", true},
		{"v1.8.0", "1.7.1", true},
		{"1.7.1", "1.7.1", false},
		{"1.7.0", "1.7.1", false},
		{"2.0.0", "1.99.99", true},
	}
	for _, c := range cases {
		if got := IsNewer(c.candidate, c.current); got != c.want {
			t.Errorf("IsNewer(%q, %q) = %v, want %v", c.candidate, c.current, got, c.want)
		}
	}
}

func TestResolveNoSource(t *testing.T) {
	_, err := Source{}.Resolve(nil)
	if err == nil {
		t.Errorf("expected error when no source is configured")
	}
}
