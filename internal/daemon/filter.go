package daemon

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
)

// Filter decides which children are not mirrored. Rules can be replaced
// while the forest runs; Exclude always sees one consistent rule set.
type Filter struct {
	mu       sync.RWMutex
	globs    []glob.Glob
	matchers map[string]*ignore.GitIgnore // drive name -> root .gitignore
}

// compileExcludes compiles glob patterns with '/' as the separator, so '*'
// stays within one path component and '**' crosses them.
func compileExcludes(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// BuildFilter creates a filter from the exclude patterns and, when
// gitignore is set, the .gitignore file at each drive root.
func BuildFilter(settings *GlobalSettings) (*Filter, error) {
	f := &Filter{}
	if err := f.Reload(settings); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload replaces the rules.
func (f *Filter) Reload(settings *GlobalSettings) error {
	globs, err := compileExcludes(settings.Excludes)
	if err != nil {
		return err
	}
	matchers := make(map[string]*ignore.GitIgnore)
	if settings.Gitignore {
		for _, d := range settings.Drives {
			gi, err := loadGitignore(d.Path)
			if err != nil {
				log.Warnf("[Filter] Failed to read .gitignore of drive %s: %v", d.Name, err)
				continue
			}
			if gi != nil {
				matchers[d.Name] = gi
			}
		}
	}

	f.mu.Lock()
	f.globs = globs
	f.matchers = matchers
	f.mu.Unlock()
	return nil
}

// loadGitignore returns nil when the root has no .gitignore.
func loadGitignore(root string) (*ignore.GitIgnore, error) {
	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...), nil
}

// Exclude matches rel (slash separated, relative to the drive root) and its
// base name against the patterns, then against the drive's gitignore rules.
func (f *Filter) Exclude(drive, rel string, isDir bool) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	base := path.Base(rel)
	for _, g := range f.globs {
		if g.Match(rel) || g.Match(base) {
			return true
		}
	}

	gi := f.matchers[drive]
	if gi == nil {
		return false
	}
	if isDir {
		return gi.MatchesPath(rel + "/")
	}
	return gi.MatchesPath(rel)
}
