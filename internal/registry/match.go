package registry

// MatchSpawn returns the first allow-list entry that permits spawning
// requested, and false when none does.
//
// Entries are tried in list order. An entry matches when any of these hold:
//  1. publisher, name and version are all equal (absent equals absent);
//  2. the request has a publisher but no version, and publisher and name are equal;
//  3. the request has a version but no publisher, and name and version are equal;
//  4. the request has neither, and the names are equal.
//
// Malformed entries are skipped. A malformed or empty request matches nothing.
func MatchSpawn(allowList []string, requested string) (string, bool) {
	req, ok := ParseAgentID(requested)
	if !ok {
		return "", false
	}
	for _, entry := range allowList {
		e, ok := ParseAgentID(entry)
		if !ok {
			continue
		}
		if matches(e, req) {
			return entry, true
		}
	}
	return "", false
}

func matches(e, req AgentID) bool {
	if e == req {
		return true
	}
	hasPub, hasVer := req.Publisher != "", req.Version != ""
	switch {
	case hasPub && !hasVer:
		return e.Publisher == req.Publisher && e.Name == req.Name
	case !hasPub && hasVer:
		return e.Name == req.Name && e.Version == req.Version
	case !hasPub && !hasVer:
		return e.Name == req.Name
	}
	return false
}
