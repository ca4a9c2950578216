// Package integrate handles desktop-file rewriting, icon
// normalization and symlinking, and format-specific portable-dir
// setup.
package integrate

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const placeholder = "{{pkg_path}}"

// RewriteDesktopFile rewrites Icon/Exec/TryExec lines in src, writing
// the result to dst, substituting binPath for the placeholder or
// replacing the executable path when no placeholder is present.
// Line-by-line string rewriting; the format is one statement per line,
// so an INI-parsing library would buy nothing.
func RewriteDesktopFile(src, dst, binPath, iconName string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("rewrite desktop file: open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	defer w.Flush()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case hasKey(line, "Exec"):
			line = rewriteKeyLine(line, "Exec", binPath)
		case hasKey(line, "TryExec"):
			line = rewriteKeyLine(line, "TryExec", binPath)
		case hasKey(line, "Icon") && iconName != "":
			line = "Icon=" + iconName
		}
		if strings.Contains(line, placeholder) {
			line = strings.ReplaceAll(line, placeholder, binPath)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func hasKey(line, key string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, key+"=")
}

func rewriteKeyLine(line, key, binPath string) string {
	idx := strings.Index(line, "=")
	if idx < 0 {
		return line
	}
	value := line[idx+1:]
	if strings.Contains(value, placeholder) {
		return key + "=" + strings.ReplaceAll(value, placeholder, binPath)
	}
	// No placeholder: substitute the first whitespace-delimited token
	// (the executable itself), preserving any trailing %-field codes or
	// arguments.
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return key + "=" + binPath
	}
	fields[0] = binPath
	return key + "=" + strings.Join(fields, " ")
}

// DesktopLinkName mirrors "{stem}-soar.desktop".
func DesktopLinkName(stem string) string {
	return stem + "-soar.desktop"
}
