// Package diffview renders diagnostic-only diffs for Update operations: the
// Applier never consults this package to decide what to write; it only
// renders the diff into its Debug-level category log to show a human what
// changed.
package diffview

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineType classifies one rendered line.
type LineType int

const (
	LineContext LineType = iota
	LineAdded
	LineRemoved
)

// Line is a single line in a Hunk.
type Line struct {
	LineNum int
	Content string
	Type    LineType
}

// Hunk groups a run of changes with bounded surrounding context.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// FileDiff is the diagnostic diff for one Update operation.
type FileDiff struct {
	Path  string
	Hunks []Hunk
}

const contextLines = 3

// Engine computes and caches diffs keyed by the FNV-1a hash of both inputs,
// since an iteration loop often re-renders the same before/after pair for
// logging after it has already been committed.
type Engine struct {
	dmp   *diffmatchpatch.DiffMatchPatch
	cache sync.Map
}

type cacheKey struct {
	oldHash uint64
	newHash uint64
}

// NewEngine builds an Engine with diff timeout disabled for accuracy over
// latency; diff rendering happens off the hot apply path.
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	return &Engine{dmp: dmp}
}

// DefaultEngine is shared by callers that don't need their own cache.
var DefaultEngine = NewEngine()

// ComputeDiff renders a FileDiff between oldContent and newContent for path.
func (e *Engine) ComputeDiff(path, oldContent, newContent string) *FileDiff {
	oldHash, newHash := hash(oldContent), hash(newContent)
	key := cacheKey{oldHash, newHash}
	if cached, ok := e.cache.Load(key); ok {
		if fd, ok := cached.(*FileDiff); ok {
			result := *fd
			result.Path = path
			return &result
		}
	}

	a, b, lineArray := e.dmp.DiffLinesToChars(oldContent, newContent)
	diffs := e.dmp.DiffMain(a, b, false)
	diffs = e.dmp.DiffCleanupSemantic(diffs)
	diffs = e.dmp.DiffCharsToLines(diffs, lineArray)

	fd := &FileDiff{Path: path, Hunks: e.groupIntoHunks(e.diffsToOperations(diffs), contextLines)}
	e.cache.Store(key, fd)
	return fd
}

// ComputeDiff renders using DefaultEngine.
func ComputeDiff(path, oldContent, newContent string) *FileDiff {
	return DefaultEngine.ComputeDiff(path, oldContent, newContent)
}

// ComputeWordLevelDiff highlights intra-line changes, used when a hunk's
// single changed line benefits from finer-grained rendering.
func (e *Engine) ComputeWordLevelDiff(oldLine, newLine string) []diffmatchpatch.Diff {
	diffs := e.dmp.DiffMain(oldLine, newLine, false)
	return e.dmp.DiffCleanupSemantic(diffs)
}

type operation struct {
	typ     LineType
	oldLine int
	newLine int
	content string
}

func (e *Engine) diffsToOperations(diffs []diffmatchpatch.Diff) []operation {
	var ops []operation
	oldLine, newLine := 0, 0

	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		if len(lines) == 1 && lines[0] == "" && d.Type != diffmatchpatch.DiffEqual {
			continue
		}
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}

		for i, line := range lines {
			if i == len(lines)-1 && line == "" && len(lines) > 1 {
				continue
			}
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				ops = append(ops, operation{LineContext, oldLine, newLine, line})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				ops = append(ops, operation{LineRemoved, oldLine, -1, line})
				oldLine++
			case diffmatchpatch.DiffInsert:
				ops = append(ops, operation{LineAdded, -1, newLine, line})
				newLine++
			}
		}
	}
	return ops
}

func (e *Engine) groupIntoHunks(ops []operation, ctxLines int) []Hunk {
	if len(ops) == 0 {
		return nil
	}

	var hunks []Hunk
	var current *Hunk
	lastChange := -1

	for i, op := range ops {
		isChange := op.typ != LineContext

		if isChange && current == nil {
			current = &Hunk{}
			start := i - ctxLines
			if start < 0 {
				start = 0
			}
			for j := start; j < i; j++ {
				if ops[j].typ == LineContext {
					current.Lines = append(current.Lines, Line{ops[j].oldLine + 1, ops[j].content, LineContext})
				}
			}
			if start < len(ops) {
				current.OldStart = ops[start].oldLine + 1
				current.NewStart = ops[start].newLine + 1
				if ops[start].oldLine < 0 {
					current.OldStart = 0
				}
				if ops[start].newLine < 0 {
					current.NewStart = 0
				}
			}
		}
		if isChange {
			lastChange = i
		}

		if current == nil {
			continue
		}

		lineNum := op.oldLine + 1
		if op.typ == LineAdded {
			lineNum = op.newLine + 1
		}
		current.Lines = append(current.Lines, Line{lineNum, op.content, op.typ})

		if op.typ == LineContext && i-lastChange > ctxLines {
			trimTo := len(current.Lines) - (i - lastChange - ctxLines)
			if trimTo > 0 && trimTo < len(current.Lines) {
				current.Lines = current.Lines[:trimTo]
			}
			e.computeHunkCounts(current)
			hunks = append(hunks, *current)
			current = nil
		}
	}

	if current != nil && len(current.Lines) > 0 {
		e.computeHunkCounts(current)
		hunks = append(hunks, *current)
	}
	return hunks
}

func (e *Engine) computeHunkCounts(h *Hunk) {
	for _, line := range h.Lines {
		if line.Type == LineRemoved || line.Type == LineContext {
			h.OldCount++
		}
		if line.Type == LineAdded || line.Type == LineContext {
			h.NewCount++
		}
	}
}

func hash(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

// Render produces a unified-diff-style string suitable for a log line or
// audit field; it is never parsed back.
func (fd *FileDiff) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", fd.Path, fd.Path)
	for _, h := range fd.Hunks {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
		for _, line := range h.Lines {
			switch line.Type {
			case LineAdded:
				b.WriteString("+" + line.Content + "\n")
			case LineRemoved:
				b.WriteString("-" + line.Content + "\n")
			default:
				b.WriteString(" " + line.Content + "\n")
			}
		}
	}
	return b.String()
}

// ClearCache drops all cached results; used by long-running callers that
// want to bound cache memory between runs.
func (e *Engine) ClearCache() {
	e.cache = sync.Map{}
}
