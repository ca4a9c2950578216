package integrate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRewriteDesktopFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "app.desktop")
	content := `[Desktop Entry]
Name=App
Exec=app %f
TryExec=app
Icon=old-icon
Categories=Utility;
`
	if err := os.WriteFile(src, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	dst := filepath.Join(dir, "out.desktop")
	if err := RewriteDesktopFile(src, dst, "/home/u/.soar/bin/app", "app-soar"); err != nil {
		t.Fatalf("RewriteDesktopFile: %v", err)
	}
	out, _ := os.ReadFile(dst)
	text := string(out)

	if !strings.Contains(text, "Exec=/home/u/.soar/bin/app %f") {
		t.Errorf("Exec not rewritten:\n%s", text)
	}
	if !strings.Contains(text, "TryExec=/home/u/.soar/bin/app") {
		t.Errorf("TryExec not rewritten:\n%s", text)
	}
	if !strings.Contains(text, "Icon=app-soar") {
		t.Errorf("Icon not rewritten:\n%s", text)
	}
	if !strings.Contains(text, "Categories=Utility;") {
		t.Errorf("unrelated line mangled:\n%s", text)
	}
}

func TestRewriteDesktopFilePlaceholder(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "app.desktop")
	if err := os.WriteFile(src, []byte("Exec={{pkg_path}} --flag\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	dst := filepath.Join(dir, "out.desktop")
	if err := RewriteDesktopFile(src, dst, "/bin/app", ""); err != nil {
		t.Fatalf("RewriteDesktopFile: %v", err)
	}
	out, _ := os.ReadFile(dst)
	if !strings.Contains(string(out), "Exec=/bin/app --flag") {
		t.Errorf("placeholder not substituted: %s", out)
	}
}

func TestResolvePortableBaseImpliesAll(t *testing.T) {
	paths := ResolvePortable("/base", "", "", "", "", "/default")
	if paths.Home != "/base/home" || paths.Config != "/base/config" ||
		paths.Share != "/base/share" || paths.Cache != "/base/cache" {
		t.Errorf("ResolvePortable = %+v", paths)
	}
}

func TestResolvePortableExplicitWins(t *testing.T) {
	paths := ResolvePortable("/base", "/elsewhere", "", "", "", "/default")
	if paths.Home != "/elsewhere/home" {
		t.Errorf("Home = %q, want explicit path to win", paths.Home)
	}
	if paths.Config != "/base/config" {
		t.Errorf("Config = %q, want base-derived", paths.Config)
	}
}

func TestResolvePortableDefaultBase(t *testing.T) {
	paths := ResolvePortable("", "", "", "", "", "/default/pkg")
	if paths.Home != "/default/pkg/home" {
		t.Errorf("Home = %q, want default portable base", paths.Home)
	}
}

func TestDetectKind(t *testing.T) {
	dir := t.TempDir()
	appimage := filepath.Join(dir, "a")
	if err := os.WriteFile(appimage, append([]byte{0x7f, 'E', 'L', 'F'}, []byte("....AppImage embedded runtime")...), 0755); err != nil {
		t.Fatalf("write: %v", err)
	}
	plain := filepath.Join(dir, "b")
	if err := os.WriteFile(plain, []byte{0x7f, 'E', 'L', 'F', 0, 0, 0}, 0755); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := DetectKind(appimage); got != KindAppImage {
		t.Errorf("DetectKind(appimage) = %v", got)
	}
	if got := DetectKind(plain); got != KindNone {
		t.Errorf("DetectKind(plain elf) = %v", got)
	}
}

func TestSetupPortableDirsAppImageMarkers(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "app")
	if err := os.WriteFile(bin, []byte("x"), 0755); err != nil {
		t.Fatalf("write: %v", err)
	}
	paths := PortablePaths{
		Home:   filepath.Join(dir, "p", "home"),
		Config: filepath.Join(dir, "p", "config"),
		Share:  filepath.Join(dir, "p", "share"),
		Cache:  filepath.Join(dir, "p", "cache"),
	}
	if err := SetupPortableDirs(KindAppImage, bin, paths); err != nil {
		t.Fatalf("SetupPortableDirs: %v", err)
	}
	for _, marker := range []string{bin + ".home", bin + ".config"} {
		target, err := os.Readlink(marker)
		if err != nil {
			t.Fatalf("expected sibling marker %s: %v", marker, err)
		}
		if !strings.HasPrefix(target, filepath.Join(dir, "p")) {
			t.Errorf("marker %s points at %s", marker, target)
		}
	}
}

func TestNearestCanonical(t *testing.T) {
	cases := []struct{ in, want int }{
		{500, 512},
		{100, 96},
		{16, 16},
		{1000, 512},
		{8, 16},
	}
	for _, c := range cases {
		if got := nearestCanonical(c.in); got != c.want {
			t.Errorf("nearestCanonical(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}
