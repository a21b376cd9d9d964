// Package blueprint implements the Blueprint Manager (C4): it ensures four
// canonical documents exist under a well-known subdirectory, generating any
// missing one through the normal patch protocol, and produces a compact
// summary used as prompt context.
package blueprint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"codepilot-loop/internal/gitapply"
	"codepilot-loop/internal/logging"
	"codepilot-loop/internal/patch"
	"codepilot-loop/internal/transport"
)

const blueprintDir = "docs/blueprints"

// Doc names one of the four canonical documents.
type Doc string

const (
	DocWhitepaper          Doc = "whitepaper"
	DocBuildGuide          Doc = "build_guide"
	DocSystemDesign        Doc = "system_design"
	DocProjectInstructions Doc = "project_instructions"
)

var canonicalDocs = []Doc{DocWhitepaper, DocBuildGuide, DocSystemDesign, DocProjectInstructions}

var docFilenames = map[Doc]string{
	DocWhitepaper:          "WHITEPAPER.md",
	DocBuildGuide:          "BUILD_GUIDE.md",
	DocSystemDesign:        "SYSTEM_DESIGN.md",
	DocProjectInstructions: "PROJECT_INSTRUCTIONS.md",
}

var docPrompts = map[Doc]string{
	DocWhitepaper:          "Write the project whitepaper: motivation, audience, and high-level approach.",
	DocBuildGuide:          "Write the build guide: how to build, test, and run this project locally.",
	DocSystemDesign:        "Write the system design document: architecture, components, and data flow.",
	DocProjectInstructions: "Write project instructions: conventions and guidance for future contributors.",
}

// summaryByteBudget bounds the compact summary used as prompt context.
const summaryByteBudget = 2000

// DocStatus reports presence and cached size for one canonical document.
type DocStatus struct {
	Doc     Doc
	Present bool
	Size    int64
}

// Summary is the compact, byte-bounded prompt context produced by Ensure.
type Summary struct {
	Statuses []DocStatus
	Text     string
}

// Ensure detects which canonical docs are missing and requests generation
// for each through tr, one file per reply, applying and committing via
// gitapply. If all four already exist, it returns only the summary.
func Ensure(ctx context.Context, repo *gitapply.RepoState, conv *transport.Conversation, tr transport.Transport) (*Summary, error) {
	statuses := scanStatuses(repo.Root)

	for i, status := range statuses {
		if status.Present {
			continue
		}
		if err := generate(ctx, repo, conv, tr, status.Doc); err != nil {
			return nil, err
		}
		statuses[i] = statForDoc(repo.Root, status.Doc)
	}

	return &Summary{Statuses: statuses, Text: renderSummary(statuses)}, nil
}

func scanStatuses(root string) []DocStatus {
	statuses := make([]DocStatus, 0, len(canonicalDocs))
	for _, doc := range canonicalDocs {
		statuses = append(statuses, statForDoc(root, doc))
	}
	return statuses
}

func statForDoc(root string, doc Doc) DocStatus {
	path := filepath.Join(root, blueprintDir, docFilenames[doc])
	info, err := os.Stat(path)
	if err != nil {
		return DocStatus{Doc: doc, Present: false}
	}
	return DocStatus{Doc: doc, Present: true, Size: info.Size()}
}

func generate(ctx context.Context, repo *gitapply.RepoState, conv *transport.Conversation, tr transport.Transport, doc Doc) error {
	relPath := filepath.ToSlash(filepath.Join(blueprintDir, docFilenames[doc]))
	userMessage := fmt.Sprintf(
		"%s\nRespond with exactly one patch payload: {\"op\":\"create\",\"file\":%q,\"body\":\"...\",\"status\":\"completed\"}",
		docPrompts[doc], relPath,
	)

	reply, err := tr.Exchange(ctx, conv, userMessage, transport.ReplyPatch)
	if err != nil {
		return fmt.Errorf("request %s: %w", doc, err)
	}

	payload, verr := patch.Validate(reply.Text)
	if verr != nil {
		return fmt.Errorf("invalid blueprint payload for %s: %w", doc, verr)
	}
	if payload.File != relPath {
		return fmt.Errorf("blueprint payload for %s targeted unexpected path %q", doc, payload.File)
	}

	result, aerr := gitapply.Apply(ctx, repo, payload)
	if aerr != nil {
		return fmt.Errorf("apply blueprint %s: %w", doc, aerr)
	}

	conv.Append(transport.Turn{Role: transport.RoleUser, Text: userMessage}, transport.Turn{Role: transport.RoleAssistant, Text: reply.Text})

	logging.Get(logging.CategoryBlueprint).Info("generated blueprint %s -> commit %s", doc, result.CommitID)
	return nil
}

func renderSummary(statuses []DocStatus) string {
	var b strings.Builder
	b.WriteString("Blueprints:\n")
	for _, s := range statuses {
		state := "present"
		if !s.Present {
			state = "missing"
		}
		fmt.Fprintf(&b, "- %s: %s (%d bytes)\n", s.Doc, state, s.Size)
	}
	out := b.String()
	if len(out) > summaryByteBudget {
		out = out[:summaryByteBudget] + "...\n"
	}
	return out
}
