package schema

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Loader reads schema documentation from a docs directory:
//
//	docs/tables/*.yml    one file per table
//	docs/glossary.yml    business terms and name mappings
//	docs/examples/*.yml  question/SQL example pairs
type Loader struct {
	dir string
}

func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load reads everything. Individual broken files are logged and skipped;
// only an unreadable docs directory is fatal.
func (l *Loader) Load() (*Docs, error) {
	docs := &Docs{Tables: make(map[string]Table)}

	if err := l.loadTables(docs); err != nil {
		return nil, err
	}
	l.loadGlossary(docs)
	l.loadExamples(docs)

	slog.Info("schema documentation loaded",
		"tables", len(docs.Tables),
		"terms", len(docs.Glossary.BusinessTerms),
		"examples", len(docs.Examples),
	)
	return docs, nil
}

func (l *Loader) loadTables(docs *Docs) error {
	dir := filepath.Join(l.dir, "tables")
	files, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err != nil {
		return fmt.Errorf("glob tables dir: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no table docs found in %s", dir)
	}

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			slog.Error("read table doc", "file", f, "error", err)
			continue
		}
		var t Table
		if err := yaml.Unmarshal(data, &t); err != nil {
			slog.Error("parse table doc", "file", f, "error", err)
			continue
		}
		if t.Name == "" {
			slog.Warn("table doc without table name, skipping", "file", f)
			continue
		}
		docs.Tables[t.Name] = t
	}
	return nil
}

func (l *Loader) loadGlossary(docs *Docs) {
	path := filepath.Join(l.dir, "glossary.yml")
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("glossary not found", "path", path, "error", err)
		return
	}
	if err := yaml.Unmarshal(data, &docs.Glossary); err != nil {
		slog.Error("parse glossary", "path", path, "error", err)
	}
}

func (l *Loader) loadExamples(docs *Docs) {
	files, err := filepath.Glob(filepath.Join(l.dir, "examples", "*.yml"))
	if err != nil {
		slog.Error("glob examples dir", "error", err)
		return
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			slog.Error("read example", "file", f, "error", err)
			continue
		}
		var e Example
		if err := yaml.Unmarshal(data, &e); err != nil {
			slog.Error("parse example", "file", f, "error", err)
			continue
		}
		if e.Question != "" {
			docs.Examples = append(docs.Examples, e)
		}
	}
}
