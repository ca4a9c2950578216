package integrate

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/image/draw"
)

// CanonicalIconDimensions is the nearest-supported-size ladder icons
// are normalized to.
var CanonicalIconDimensions = []int{16, 24, 32, 48, 64, 72, 80, 96, 128, 192, 256, 512}

func nearestCanonical(dim int) int {
	best := CanonicalIconDimensions[0]
	bestDiff := abs(dim - best)
	for _, c := range CanonicalIconDimensions[1:] {
		if d := abs(dim - c); d < bestDiff {
			best, bestDiff = c, d
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// NormalizeIcon resizes a PNG icon to its nearest canonical dimension
// and writes it to outDir, returning the resized file's path and
// dimension. SVGs are resolution-independent and pass through
// unresized; they are bucketed into the largest canonical dimension by
// convention so they land under the same icons/<w>x<h>/apps tree as
// their raster siblings.
func NormalizeIcon(src, outDir, stem string) (path string, dim int, err error) {
	ext := strings.ToLower(filepath.Ext(src))
	switch ext {
	case ".svg":
		dim = CanonicalIconDimensions[len(CanonicalIconDimensions)-1]
		dst := filepath.Join(outDir, fmt.Sprintf("%dx%d", dim, dim), stem+".svg")
		if err := copyFile(src, dst); err != nil {
			return "", 0, err
		}
		return dst, dim, nil
	case ".png":
		return normalizePNG(src, outDir, stem)
	default:
		return "", 0, fmt.Errorf("normalize icon: unsupported extension %s", ext)
	}
}

func normalizePNG(src, outDir, stem string) (string, int, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return "", 0, fmt.Errorf("decode png %s: %w", src, err)
	}

	b := img.Bounds()
	dim := nearestCanonical(max(b.Dx(), b.Dy()))

	resized := image.NewRGBA(image.Rect(0, 0, dim, dim))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, b, draw.Over, nil)

	dst := filepath.Join(outDir, fmt.Sprintf("%dx%d", dim, dim), stem+".png")
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", 0, err
	}
	out, err := os.Create(dst)
	if err != nil {
		return "", 0, err
	}
	defer out.Close()
	if err := png.Encode(out, resized); err != nil {
		return "", 0, err
	}
	return dst, dim, nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return nil
}

// IconLinkDir returns the icons/<dim>x<dim>/apps directory the icon
// should be symlinked into under the XDG hicolor theme root.
func IconLinkDir(hicolorRoot string, dim int) string {
	return filepath.Join(hicolorRoot, fmt.Sprintf("%dx%d", dim, dim), "apps")
}

// sortedDims returns a sorted copy of CanonicalIconDimensions.
func sortedDims() []int {
	out := append([]int{}, CanonicalIconDimensions...)
	sort.Ints(out)
	return out
}
