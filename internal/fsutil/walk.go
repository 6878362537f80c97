package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// YAMLExts are the extensions of structured definition files.
var YAMLExts = []string{".yml", ".yaml"}

// Stats counts what a walk did with the files it matched.
type Stats struct {
	Loaded  int
	Skipped int
}

// HasExt reports whether p ends with one of exts, case-insensitively.
func HasExt(p string, exts ...string) bool {
	l := strings.ToLower(p)
	for _, e := range exts {
		if strings.HasSuffix(l, e) {
			return true
		}
	}
	return false
}

// Walk reads every file under root matching exts and hands it to fn.
// It never fails: unreadable entries and files fn rejects are logged and
// counted as skipped, and the walk continues.
func Walk(root string, exts []string, fn func(path string, b []byte) error, log *zap.SugaredLogger) Stats {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	var st Stats
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warnw("skipping unreadable path", "path", p, "error", err)
			if d != nil && d.IsDir() && p != root {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !HasExt(p, exts...) {
			return nil
		}
		b, err := os.ReadFile(p)
		if err != nil {
			st.Skipped++
			log.Warnw("skipping unreadable file", "path", p, "error", err)
			return nil
		}
		if err := fn(p, b); err != nil {
			st.Skipped++
			log.Warnw("skipping file", "path", p, "error", err)
			return nil
		}
		st.Loaded++
		return nil
	})
	if err != nil {
		log.Warnw("walk aborted", "root", root, "error", err)
	}
	return st
}
