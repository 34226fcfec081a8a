package registry

import "strings"

// AgentID is a parsed agent identifier of the form [publisher/]name[@version].
// Empty Publisher or Version means the part was absent.
type AgentID struct {
	Publisher string
	Name      string
	Version   string
}

// ParseAgentID splits s into its parts. It reports false for an empty string,
// more than one '/', or an empty segment.
func ParseAgentID(s string) (AgentID, bool) {
	if s == "" {
		return AgentID{}, false
	}
	var id AgentID
	rest := s
	switch parts := strings.Split(s, "/"); len(parts) {
	case 1:
	case 2:
		if parts[0] == "" {
			return AgentID{}, false
		}
		id.Publisher = parts[0]
		rest = parts[1]
	default:
		return AgentID{}, false
	}

	if i := strings.LastIndexByte(rest, '@'); i >= 0 {
		id.Version = rest[i+1:]
		rest = rest[:i]
		if id.Version == "" {
			return AgentID{}, false
		}
	}
	if rest == "" {
		return AgentID{}, false
	}
	id.Name = rest
	return id, true
}

func (id AgentID) String() string {
	var b strings.Builder
	if id.Publisher != "" {
		b.WriteString(id.Publisher)
		b.WriteByte('/')
	}
	b.WriteString(id.Name)
	if id.Version != "" {
		b.WriteByte('@')
		b.WriteString(id.Version)
	}
	return b.String()
}
