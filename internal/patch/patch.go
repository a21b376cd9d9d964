// Package patch implements the Path & Payload Validator: a pure,
// deterministic parser that turns one raw model reply into a PatchPayload
// or a typed ValidationError. It performs no I/O.
package patch

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// Op is one of the five supported patch operations.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpRename Op = "rename"
	OpChmod  Op = "chmod"
)

// Status signals whether the model has further changes to propose.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// allowedModes is the closed set of chmod targets accepted, keyed by their
// canonical 3-digit form.
var allowedModes = map[string]string{
	"644":  "644",
	"0644": "644",
	"755":  "755",
	"0755": "755",
}

// ErrorKind is the closed set of validator-produced error kinds.
type ErrorKind string

const (
	ErrMalformedEnvelope ErrorKind = "MalformedEnvelope"
	ErrSchemaViolation   ErrorKind = "SchemaViolation"
	ErrUnsafePath        ErrorKind = "UnsafePath"
	ErrForbiddenMode     ErrorKind = "ForbiddenMode"
	ErrMissingContent    ErrorKind = "MissingContent"
)

// ValidationError reports why a raw reply was rejected, in a form suitable
// for relaying back to the model as a retry prompt.
type ValidationError struct {
	Kind   ErrorKind
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func newErr(kind ErrorKind, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// PatchPayload is one atomic, validated change.
type PatchPayload struct {
	Op       Op     `json:"op"`
	File     string `json:"file"`
	Body     string `json:"body,omitempty"`
	BodyB64  string `json:"body_b64,omitempty"`
	Target   string `json:"target,omitempty"`
	Mode     string `json:"mode,omitempty"`
	Status   Status `json:"status"`
}

// wireEnvelope mirrors the JSON wire shape exactly so unknown keys can be
// detected before decoding into PatchPayload's narrower field set.
type wireEnvelope struct {
	Op      string `json:"op"`
	File    string `json:"file"`
	Body    string `json:"body"`
	BodyB64 string `json:"body_b64"`
	Target  string `json:"target"`
	Mode    string `json:"mode"`
	Status  string `json:"status"`
}

var knownKeys = map[string]bool{
	"op": true, "file": true, "body": true, "body_b64": true,
	"target": true, "mode": true, "status": true,
}

// Validate parses raw_text as a single JSON object and checks it against the
// patch schema and the path safety predicate. It is pure: no filesystem or
// git access happens here.
func Validate(rawText string) (*PatchPayload, *ValidationError) {
	trimmed := strings.TrimSpace(rawText)

	if trimmed == "" {
		return nil, newErr(ErrMalformedEnvelope, "empty reply")
	}
	if strings.HasPrefix(trimmed, "```") {
		return nil, newErr(ErrMalformedEnvelope, "reply must be a bare JSON object, not a code fence")
	}
	if !strings.HasPrefix(trimmed, "{") {
		return nil, newErr(ErrMalformedEnvelope, "reply must be a bare JSON object, no surrounding prose")
	}

	var rawMap map[string]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(trimmed))
	if err := dec.Decode(&rawMap); err != nil {
		return nil, newErr(ErrMalformedEnvelope, "reply is not a single JSON object: %v", err)
	}
	if dec.More() {
		return nil, newErr(ErrMalformedEnvelope, "reply contains more than one JSON value")
	}

	for key := range rawMap {
		if !knownKeys[key] {
			return nil, newErr(ErrSchemaViolation, "unknown key %q", key)
		}
	}

	var env wireEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return nil, newErr(ErrMalformedEnvelope, "schema decode failed: %v", err)
	}

	op := Op(strings.ToLower(env.Op))
	switch op {
	case OpCreate, OpUpdate, OpDelete, OpRename, OpChmod:
	default:
		return nil, newErr(ErrSchemaViolation, "unknown op %q", env.Op)
	}

	status := Status(strings.ToLower(env.Status))
	switch status {
	case StatusInProgress, StatusCompleted:
	default:
		return nil, newErr(ErrSchemaViolation, "unknown status %q", env.Status)
	}

	if env.File == "" {
		return nil, newErr(ErrSchemaViolation, "missing required field \"file\"")
	}
	if verr := safePath(env.File); verr != nil {
		return nil, verr
	}

	payload := &PatchPayload{
		Op:     op,
		File:   env.File,
		Status: status,
	}

	switch op {
	case OpCreate, OpUpdate:
		hasBody := env.Body != ""
		hasB64 := env.BodyB64 != ""
		if hasBody == hasB64 {
			return nil, newErr(ErrMissingContent, "exactly one of body/body_b64 required for op %q", op)
		}
		if hasB64 {
			if _, err := base64.StdEncoding.DecodeString(env.BodyB64); err != nil {
				return nil, newErr(ErrMissingContent, "body_b64 is not valid base64: %v", err)
			}
			payload.BodyB64 = env.BodyB64
		} else {
			payload.Body = env.Body
		}

	case OpRename:
		if env.Target == "" {
			return nil, newErr(ErrSchemaViolation, "rename requires \"target\"")
		}
		if verr := safePath(env.Target); verr != nil {
			return nil, verr
		}
		payload.Target = env.Target

	case OpChmod:
		canonical, ok := allowedModes[env.Mode]
		if !ok {
			return nil, newErr(ErrForbiddenMode, "mode %q not in allow-list {644,755,0644,0755}", env.Mode)
		}
		payload.Mode = canonical

	case OpDelete:
		// no extra fields required
	}

	return payload, nil
}

// safePath implements spec's safety predicate: non-empty, not absolute, no
// ".." segment, no backslash, first segment isn't ".git", and normalizes to
// itself. This is the only place path acceptance is decided.
func safePath(p string) *ValidationError {
	if p == "" {
		return newErr(ErrUnsafePath, "path is empty")
	}
	if strings.HasPrefix(p, "/") {
		return newErr(ErrUnsafePath, "path %q is absolute", p)
	}
	if strings.Contains(p, "\\") {
		return newErr(ErrUnsafePath, "path %q contains a backslash", p)
	}
	segments := strings.Split(p, "/")
	for _, seg := range segments {
		if seg == ".." {
			return newErr(ErrUnsafePath, "path %q contains a \"..\" segment", p)
		}
	}
	if segments[0] == ".git" {
		return newErr(ErrUnsafePath, "path %q begins with \".git\"", p)
	}
	if path.Clean(p) != p {
		return newErr(ErrUnsafePath, "path %q does not normalize to itself", p)
	}
	return nil
}

// Serialize round-trips a PatchPayload back to its canonical wire JSON, used
// by tests and by diagnostics that need to echo a payload verbatim.
func Serialize(p *PatchPayload) ([]byte, error) {
	return json.Marshal(p)
}

// DecodedBody returns the payload's content as bytes, decoding body_b64 if
// that's the field that was set. Only valid for Create/Update payloads.
func (p *PatchPayload) DecodedBody() ([]byte, error) {
	if p.BodyB64 != "" {
		return base64.StdEncoding.DecodeString(p.BodyB64)
	}
	return []byte(p.Body), nil
}
