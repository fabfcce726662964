package router

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/agentarena/arena/bridge/internal/packages"
)

var (
	clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	agentIDInvalid  = regexp.MustCompile(`[^a-z0-9-]+`)
)

// NewClientID returns a random 16 hex character client id.
func NewClientID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:16]
}

// ValidClientID reports whether a client-supplied id may be adopted. UUIDs
// and other dashed ids are accepted; see keyClientID.
func ValidClientID(id string) bool {
	return clientIDPattern.MatchString(id)
}

// keyClientID is the form of a client id inside a session key. Dashes become
// dots, which neither package names nor client ids may contain, so the last
// dash of "<pkg>-<clientId>" is always the separator and distinct
// (pkg, clientId) pairs never share a key.
func keyClientID(id string) string {
	return strings.ReplaceAll(id, "-", ".")
}

// AgentID is the gateway agent a package boots. The manifest value wins;
// otherwise the package name is normalized.
func AgentID(m packages.Manifest, pkg string) string {
	if m.AgentID != "" {
		return m.AgentID
	}
	return NormalizeAgentID(pkg)
}

// NormalizeAgentID lower-cases name and collapses every run of characters
// outside [a-z0-9-] to a single dash.
func NormalizeAgentID(name string) string {
	return agentIDInvalid.ReplaceAllString(strings.ToLower(name), "-")
}

// SessionKey builds agent:<agentId>:<scope>:<pkg>-<clientId>, with any
// dashes in clientId written as dots.
func SessionKey(agentID, scope, pkg, clientID string) string {
	return "agent:" + agentID + ":" + scope + ":" + pkg + "-" + keyClientID(clientID)
}

// OwnsKey reports whether key was built for pkg and clientID. Only the
// suffix is checked, so keys for an agent id that has since changed in the
// manifest stay usable.
func OwnsKey(key, pkg, clientID string) bool {
	return strings.HasPrefix(key, "agent:") && strings.HasSuffix(key, ":"+pkg+"-"+keyClientID(clientID))
}
