package registry

import "fmt"

// AliasValidationError describes a malformed alias map: instead of
// swallowing a parse failure, the caller gets a typed result. CreateGroup
// and UpdateGroup reject the write with ErrConflict when they get one.
type AliasValidationError struct {
	Alias  string
	Target string
	Reason string
}

func (e *AliasValidationError) Error() string {
	return fmt.Sprintf("alias %q -> %q: %s", e.Alias, e.Target, e.Reason)
}

// ValidateAliases checks that every alias value refers to a configured
// model id and that the map contains no cycles. It returns the first
// violation found, or nil if the map is valid.
func ValidateAliases(aliases map[string]string, models []string) error {
	modelSet := make(map[string]bool, len(models))
	for _, m := range models {
		modelSet[m] = true
	}

	for alias, target := range aliases {
		if alias == target {
			return &AliasValidationError{Alias: alias, Target: target, Reason: "alias refers to itself"}
		}
		if !modelSet[target] {
			return &AliasValidationError{Alias: alias, Target: target, Reason: "target is not a configured model id"}
		}
		// Cycle check: following alias chains (bounded by map size) must
		// never return to a previously visited alias.
		seen := map[string]bool{alias: true}
		cur := target
		for {
			next, isAlias := aliases[cur]
			if !isAlias {
				break
			}
			if seen[cur] {
				return &AliasValidationError{Alias: alias, Target: target, Reason: "alias chain cycles"}
			}
			seen[cur] = true
			cur = next
		}
	}
	return nil
}

// ResolveAlias resolves modelRequested to its canonical model id within g.
// resolve(resolve(m)) == resolve(m) for any already-canonical or resolvable m.
//
// If modelRequested is itself a configured model id it is returned as-is.
// If it is an alias whose target is a configured model id, the target is
// returned. Otherwise ok is false and the group should be skipped.
func ResolveAlias(g Group, modelRequested string) (canonical string, ok bool) {
	if g.HasModel(modelRequested) {
		return modelRequested, true
	}
	if target, isAlias := g.Aliases[modelRequested]; isAlias && g.HasModel(target) {
		return target, true
	}
	return "", false
}
