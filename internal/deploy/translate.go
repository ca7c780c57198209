package deploy

import (
	"fmt"

	"github.com/alvesdmateus/iac-sandbox/internal/domain"
)

// mapChangeKind folds the tool's step operations into the four wire
// change kinds. Replacement steps surface as updates. Unknown ops are
// reported so callers can log and skip them.
func mapChangeKind(op string) (domain.ChangeKind, bool) {
	switch op {
	case "create", "create-replacement":
		return domain.ChangeCreate, true
	case "update", "replace":
		return domain.ChangeUpdate, true
	case "delete", "delete-replaced":
		return domain.ChangeDelete, true
	case "same", "read", "refresh":
		return domain.ChangeSame, true
	}
	return "", false
}

func summaryFromChanges(changes map[string]int) domain.Summary {
	var summary domain.Summary
	for op, n := range changes {
		if kind, ok := mapChangeKind(op); ok {
			summary.Add(kind, n)
		}
	}
	return summary
}

// progressFor estimates completion percent. With a known plan it is
// linear; without one it approaches but never reaches done. 100 is
// reserved for the terminal state.
func progressFor(completed, total int) int {
	var p int
	switch {
	case total > 0:
		p = completed * 100 / total
	case completed > 0:
		p = 100 - 100/(completed+1)
	}
	if p > 99 {
		p = 99
	}
	return p
}

func severityLevel(severity string) string {
	switch severity {
	case "debug":
		return domain.LogDebug
	case "warning":
		return domain.LogWarning
	case "error":
		return domain.LogError
	}
	return domain.LogInfo
}

func describeChange(kind domain.ChangeKind, urn string) string {
	verb := "touched"
	switch kind {
	case domain.ChangeCreate:
		verb = "created"
	case domain.ChangeUpdate:
		verb = "updated"
	case domain.ChangeDelete:
		verb = "deleted"
	case domain.ChangeSame:
		verb = "unchanged"
	}
	return fmt.Sprintf("%s %s", verb, urn)
}
