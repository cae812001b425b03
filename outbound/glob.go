package outbound

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// GlobLocalSources returns a local source for every regular file under root matching pattern,
// which may contain doublestar patterns (such as `**/*.log`). Sources are sorted by path so
// concatenating them is reproducible.
func GlobLocalSources(root, pattern string) ([]*LocalSource, error) {
	matches, err := doublestar.Glob(os.DirFS(root), pattern)
	if err != nil {
		return nil, fmt.Errorf("evaluate pattern %s: %w", pattern, err)
	}
	sort.Strings(matches)

	var sources []*LocalSource
	for _, match := range matches {
		path := filepath.Join(root, match)
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		source, err := NewLocalSource(path)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}
	return sources, nil
}
