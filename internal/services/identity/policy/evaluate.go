package policy

// Allows reports whether the document permits invoking methodARN. A matching
// deny always wins. Conditions cannot be evaluated in process, so a
// conditional allow never grants and a conditional deny always refuses.
func (d Document) Allows(methodARN string) bool {
	allowed := false
	for _, statement := range d.Statements {
		if statement.Action != InvokeAction || !matchesAny(statement.Resource, methodARN) {
			continue
		}
		switch statement.Effect {
		case EffectDeny:
			return false
		case EffectAllow:
			if len(statement.Condition) == 0 {
				allowed = true
			}
		}
	}
	return allowed
}

func matchesAny(patterns []string, value string) bool {
	for _, pattern := range patterns {
		if wildcardMatch(pattern, value) {
			return true
		}
	}
	return false
}

// wildcardMatch matches value against pattern where '*' spans any run of
// characters, slashes included.
func wildcardMatch(pattern, value string) bool {
	p, v := 0, 0
	star, mark := -1, 0
	for v < len(value) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, v
			p++
		case p < len(pattern) && pattern[p] == value[v]:
			p++
			v++
		case star != -1:
			p = star + 1
			mark++
			v = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
