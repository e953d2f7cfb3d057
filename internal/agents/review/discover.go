package review

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go-agentic/internal/agents/llm"
	"go-agentic/pkg/models"
)

const maxFileBytes = 64 * 1024

var sourceExtensions = map[string]bool{
	".go": true, ".java": true, ".kt": true, ".py": true, ".js": true, ".ts": true,
	".rs": true, ".c": true, ".cpp": true, ".h": true, ".cs": true, ".rb": true,
}

var skippedDirs = map[string]bool{".git": true, "node_modules": true, "vendor": true, "target": true, "build": true}

// Discoverer collects source files under the task's path, newest first, up to an optional limit.
type Discoverer struct{}

func (*Discoverer) TaskTypes() []string { return []string{DiscoverFiles} }

func (*Discoverer) CanHandle(task *models.Task) bool {
	return task.Type == DiscoverFiles && llm.String(task.Input, "path", "") != ""
}

func (*Discoverer) Execute(ctx context.Context, task *models.Task) (map[string]any, error) {
	root := llm.String(task.Input, "path", "")
	type entry struct {
		path string
		mod  int64
	}
	var entries []entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !sourceExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, entry{path: path, mod: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover files: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].mod > entries[j].mod })
	if limit := count(task.Input["limit"]); limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	files := make([]string, 0, len(entries))
	contents := make(map[string]any, len(entries))
	for _, e := range entries {
		b, err := os.ReadFile(e.path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.path, err)
		}
		if len(b) > maxFileBytes {
			b = b[:maxFileBytes]
		}
		rel, _ := filepath.Rel(root, e.path)
		files = append(files, rel)
		contents[rel] = string(b)
	}
	return map[string]any{"files": files, "contents": contents, "file_count": len(files)}, nil
}
