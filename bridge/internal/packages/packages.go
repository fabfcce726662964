// Package packages resolves agent package names to their manifest and
// persona text.
package packages

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNotFound is returned when no package exists under the requested name.
var ErrNotFound = errors.New("package not found")

// namePattern restricts package names to what may safely become a directory
// name and a session key segment.
var namePattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// ValidName reports whether name is an acceptable package name.
func ValidName(name string) bool {
	return len(name) <= 64 && namePattern.MatchString(name)
}

// Manifest is the agent.json (or agent.yaml) descriptor of a package.
type Manifest struct {
	Name        string   `json:"name" yaml:"name"`
	AgentID     string   `json:"agentId,omitempty" yaml:"agentId,omitempty"`
	DisplayName string   `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string   `json:"version,omitempty" yaml:"version,omitempty"`
	Emoji       string   `json:"emoji,omitempty" yaml:"emoji,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Files       []string `json:"files,omitempty" yaml:"-"`
}

// Bundle is everything needed to boot an agent persona.
type Bundle struct {
	Manifest  Manifest
	Soul      string
	Bootstrap string
}

// BootMessage is the first message sent into a fresh session. It embeds the
// persona and the first-boot instructions.
func (b *Bundle) BootMessage() string {
	var sb strings.Builder
	sb.WriteString(b.Soul)
	sb.WriteString("\n\n---\n\nFIRST BOOT INSTRUCTIONS:\n")
	sb.WriteString(b.Bootstrap)
	sb.WriteString("\n\nThis is your first time waking up. Follow the bootstrap instructions. ")
	sb.WriteString("Introduce yourself, show what you can do, and ask what to work on.")
	return sb.String()
}

// Store is the read-only package lookup consumed by the client router and
// the HTTP catalogue.
type Store interface {
	Lookup(name string) (*Bundle, error)
	List() ([]Manifest, error)
}
