package codegen

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type File struct {
	Path    string
	Content string
}

func parseFiles(raw any) ([]File, error) {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("answer has no files")
	}
	files := make([]File, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("file %d: not an object", i)
		}
		path, _ := m["path"].(string)
		content, _ := m["content"].(string)
		if path == "" {
			return nil, fmt.Errorf("file %d: empty path", i)
		}
		files = append(files, File{Path: path, Content: content})
	}
	return files, nil
}

// WriteFiles writes files below root and returns their paths. Paths that would escape root are rejected.
func WriteFiles(root string, files []File) ([]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("output path: %w", err)
	}
	written := make([]string, 0, len(files))
	for _, f := range files {
		target := filepath.Join(absRoot, filepath.Clean("/"+f.Path))
		if !strings.HasPrefix(target, absRoot+string(filepath.Separator)) {
			return written, fmt.Errorf("file %q escapes output path", f.Path)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return written, fmt.Errorf("create directory: %w", err)
		}
		if err := os.WriteFile(target, []byte(f.Content), 0o644); err != nil {
			return written, fmt.Errorf("write %s: %w", f.Path, err)
		}
		written = append(written, target)
	}
	return written, nil
}
