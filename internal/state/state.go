// Package state implements the State Store (C5): resume records and plan
// artifacts, all persisted atomically (write-temp-then-rename) and read
// tolerantly — an absent or corrupt file just means "no state."
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const wellKnownDir = ".cpl"

// ResumeRecord is written after every successful commit.
type ResumeRecord struct {
	LastFile  string `json:"last_file"`
	CommitID  string `json:"commit_id"`
	Step      int    `json:"step"`
	Timestamp int64  `json:"timestamp"`
}

// IterationPlan is the structured output of the plan-first step (and the
// review plan written at Finalize).
type IterationPlan struct {
	Overview            string   `json:"overview"`
	SuggestedRunCommand string   `json:"suggested_run_command"`
	CodeFiles           []string `json:"code_files,omitempty"`
	DocFiles            []string `json:"doc_files,omitempty"`
	DeferredFiles       []string `json:"deferred_files,omitempty"`
	EstimatedIterations int      `json:"estimated_iterations"`
}

// Store persists artifacts under <repoRoot>/.cpl/.
type Store struct {
	repoRoot string
}

// New returns a Store rooted at repoRoot.
func New(repoRoot string) *Store {
	return &Store{repoRoot: repoRoot}
}

func (s *Store) resumePath() string {
	return filepath.Join(s.repoRoot, wellKnownDir, "resume.json")
}

func (s *Store) planPaths(name string) (jsonPath, mdPath string) {
	dir := filepath.Join(s.repoRoot, wellKnownDir, "plans")
	return filepath.Join(dir, name+".json"), filepath.Join(dir, name+".md")
}

// WriteResume atomically persists the resume record, creating its parent
// directory if needed.
func (s *Store) WriteResume(rec ResumeRecord) error {
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().Unix()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal resume record: %w", err)
	}
	return writeAtomic(s.resumePath(), data)
}

// ReadResume tolerantly reads the resume record. Absent or corrupt state
// both report ok=false rather than an error — the caller treats it as "no
// state."
func (s *Store) ReadResume() (rec ResumeRecord, ok bool) {
	data, err := os.ReadFile(s.resumePath())
	if err != nil {
		return ResumeRecord{}, false
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return ResumeRecord{}, false
	}
	return rec, true
}

// WritePlan atomically writes the JSON artifact (the source of truth) and
// regenerates its markdown twin. The markdown is never parsed back.
func (s *Store) WritePlan(name string, plan IterationPlan) error {
	jsonPath, mdPath := s.planPaths(name)

	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan %s: %w", name, err)
	}
	if err := writeAtomic(jsonPath, data); err != nil {
		return err
	}

	return writeAtomic(mdPath, []byte(renderMarkdown(plan)))
}

// ReadPlan tolerantly reads a plan's JSON twin.
func (s *Store) ReadPlan(name string) (plan IterationPlan, ok bool) {
	jsonPath, _ := s.planPaths(name)
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return IterationPlan{}, false
	}
	if err := json.Unmarshal(data, &plan); err != nil {
		return IterationPlan{}, false
	}
	return plan, true
}

func renderMarkdown(plan IterationPlan) string {
	var b strings.Builder
	b.WriteString("# Iteration Plan\n\n")
	b.WriteString(plan.Overview)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "**Suggested run command:** `%s`\n\n", plan.SuggestedRunCommand)
	fmt.Fprintf(&b, "**Estimated iterations:** %d\n\n", plan.EstimatedIterations)

	writeList := func(title string, files []string) {
		if len(files) == 0 {
			return
		}
		fmt.Fprintf(&b, "## %s\n\n", title)
		for _, f := range files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}
	writeList("Code files", plan.CodeFiles)
	writeList("Doc files", plan.DocFiles)
	writeList("Deferred files", plan.DeferredFiles)

	return b.String()
}

// writeAtomic writes data to a sibling temp file, fsyncs, then renames over
// path. A crash mid-write never leaves a truncated artifact on disk.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into place %s: %w", path, err)
	}
	return nil
}
