package template

import (
	"bytes"
	"fmt"
	"sync"
	"text/template"
)

var (
	mu    sync.RWMutex
	cache = map[string]*template.Template{}
)

// Parse renders text with fields. Parsed templates are cached by their text.
func Parse(text string, fields any) (string, error) {
	tmpl, err := lookup(text)
	if err != nil {
		return "", err
	}
	var result bytes.Buffer
	if err := tmpl.Execute(&result, fields); err != nil {
		return "", fmt.Errorf("execute: %w", err)
	}

	return result.String(), nil
}

func lookup(text string) (*template.Template, error) {
	mu.RLock()
	tmpl, ok := cache[text]
	mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	tmpl, err := template.New("").Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	mu.Lock()
	cache[text] = tmpl
	mu.Unlock()
	return tmpl, nil
}
