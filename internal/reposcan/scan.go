// Package reposcan implements the Repo Scanner (C3): a deterministic,
// size-bounded manifest of a repository's files, classified as code, doc,
// or deferred by extension and top-level location only.
package reposcan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Class is a syntactic classification tag.
type Class string

const (
	ClassCode     Class = "code"
	ClassDoc      Class = "doc"
	ClassDeferred Class = "deferred"
)

// Entry is one manifest row.
type Entry struct {
	Path  string
	Class Class
}

// Manifest is the deterministic, ordered scan result.
type Manifest struct {
	Entries   []Entry
	Truncated bool
}

var ignoredDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true,
	"dist": true, "build": true, ".cpl": true,
}

var codeExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true, ".jsx": true,
	".java": true, ".c": true, ".h": true, ".cpp": true, ".hpp": true, ".rs": true,
	".rb": true, ".php": true, ".cs": true, ".sh": true, ".sql": true, ".proto": true,
}

var docExtensions = map[string]bool{
	".md": true, ".rst": true, ".txt": true, ".adoc": true,
}

// deferredTopLevel names top-level directories whose contents are saved for
// the final iteration (setup/example/docs scaffolding), per spec §4.8.1.
var deferredTopLevel = map[string]bool{
	"examples": true, "docs": true, "scripts": true, ".github": true,
}

// Scan walks root and produces a deterministic manifest. maxLines bounds the
// number of entries returned (0 means unbounded); entries beyond the bound
// set Manifest.Truncated.
func Scan(root string, maxLines int) (*Manifest, error) {
	var entries []Entry

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		top := strings.SplitN(rel, "/", 2)[0]

		if info.IsDir() {
			if ignoredDirs[top] || ignoredDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		entries = append(entries, Entry{Path: rel, Class: classify(rel, top)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	m := &Manifest{Entries: entries}
	if maxLines > 0 && len(entries) > maxLines {
		m.Entries = entries[:maxLines]
		m.Truncated = true
	}
	return m, nil
}

// Classify classifies a single repo-relative path using the same rules Scan
// applies, for callers that need a one-off decision outside a full walk.
func Classify(relPath string) Class {
	top := strings.SplitN(relPath, "/", 2)[0]
	return classify(relPath, top)
}

func classify(relPath, topLevel string) Class {
	if deferredTopLevel[topLevel] {
		return ClassDeferred
	}
	ext := strings.ToLower(filepath.Ext(relPath))
	if docExtensions[ext] {
		return ClassDoc
	}
	if codeExtensions[ext] {
		return ClassCode
	}
	return ClassDeferred
}

// Render produces the bounded textual listing used to ground prompts: one
// line per entry, "<class>\t<path>".
func (m *Manifest) Render() string {
	var b strings.Builder
	for _, e := range m.Entries {
		fmt.Fprintf(&b, "%s\t%s\n", e.Class, e.Path)
	}
	if m.Truncated {
		b.WriteString("... (truncated)\n")
	}
	return b.String()
}

// ByClass partitions the manifest's entries by classification, preserving
// the deterministic path ordering within each group.
func (m *Manifest) ByClass(class Class) []Entry {
	var out []Entry
	for _, e := range m.Entries {
		if e.Class == class {
			out = append(out, e)
		}
	}
	return out
}
