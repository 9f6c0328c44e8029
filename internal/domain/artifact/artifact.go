// Package artifact extracts structured payloads (component code, data,
// markup, generic code) embedded in free-form model output.
package artifact

import (
	"strconv"

	"github.com/google/uuid"
)

// Type identifies the kind of extracted artifact.
type Type string

const (
	TypeStructuredCode   Type = "structuredCode"
	TypeMarkupBlock      Type = "markupBlock"
	TypeDataPayload      Type = "dataPayload"
	TypeGenericCodeBlock Type = "genericCodeBlock"
)

// knownTypes is used to validate the type attribute of tag-delimited artifacts.
var knownTypes = map[Type]bool{
	TypeStructuredCode:   true,
	TypeMarkupBlock:      true,
	TypeDataPayload:      true,
	TypeGenericCodeBlock: true,
}

// IsKnownType reports whether t names an artifact type.
func IsKnownType(t string) bool {
	return knownTypes[Type(t)]
}

// Artifact is one extracted payload. Start and End are byte offsets of the
// whole delimited block in the source text. Artifacts are values; callers own
// them once returned.
type Artifact struct {
	ID       string `json:"id"`
	Type     Type   `json:"type"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
	Title    string `json:"title,omitempty"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
	// Data holds the decoded value of a dataPayload artifact.
	Data any `json:"data,omitempty"`
}

var idNamespace = uuid.MustParse("9b0c8f5e-3a7d-5c1e-8f42-6d1a2b3c4d5e")

// artifactID is a name-based UUID so identical input always yields identical IDs.
func artifactID(t Type, start int, content string) string {
	name := string(t) + "\x00" + strconv.Itoa(start) + "\x00" + content
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}
