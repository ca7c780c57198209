package deploy

import (
	"testing"

	"github.com/alvesdmateus/iac-sandbox/internal/domain"
)

func TestMapChangeKind(t *testing.T) {
	tests := []struct {
		op   string
		want domain.ChangeKind
		ok   bool
	}{
		{"create", domain.ChangeCreate, true},
		{"create-replacement", domain.ChangeCreate, true},
		{"update", domain.ChangeUpdate, true},
		{"replace", domain.ChangeUpdate, true},
		{"delete", domain.ChangeDelete, true},
		{"delete-replaced", domain.ChangeDelete, true},
		{"same", domain.ChangeSame, true},
		{"read", domain.ChangeSame, true},
		{"refresh", domain.ChangeSame, true},
		{"import", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := mapChangeKind(tt.op)
		if got != tt.want || ok != tt.ok {
			t.Errorf("mapChangeKind(%q) = %q, %v; want %q, %v", tt.op, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSummaryFromChanges(t *testing.T) {
	summary := summaryFromChanges(map[string]int{
		"create":          2,
		"delete-replaced": 1,
		"same":            4,
		"import":          9,
	})
	want := domain.Summary{Created: 2, Deleted: 1, Unchanged: 4}
	if summary != want {
		t.Errorf("summary = %+v, want %+v (unknown ops dropped)", summary, want)
	}
}

func TestProgressFor(t *testing.T) {
	tests := []struct {
		completed, total, want int
	}{
		{0, 0, 0},
		{0, 10, 0},
		{5, 10, 50},
		{10, 10, 99},
		{12, 10, 99},
		{1, 0, 50},
		{3, 0, 75},
		{500, 0, 99},
	}
	for _, tt := range tests {
		if got := progressFor(tt.completed, tt.total); got != tt.want {
			t.Errorf("progressFor(%d, %d) = %d, want %d", tt.completed, tt.total, got, tt.want)
		}
	}
}

func TestSeverityLevel(t *testing.T) {
	tests := map[string]string{
		"debug":    domain.LogDebug,
		"info":     domain.LogInfo,
		"warning":  domain.LogWarning,
		"error":    domain.LogError,
		"info#err": domain.LogInfo,
		"":         domain.LogInfo,
	}
	for severity, want := range tests {
		if got := severityLevel(severity); got != want {
			t.Errorf("severityLevel(%q) = %q, want %q", severity, got, want)
		}
	}
}

func TestDescribeChange(t *testing.T) {
	if got := describeChange(domain.ChangeCreate, "urn:net"); got != "created urn:net" {
		t.Errorf("describeChange = %q", got)
	}
	if got := describeChange(domain.ChangeSame, "urn:vm"); got != "unchanged urn:vm" {
		t.Errorf("describeChange = %q", got)
	}
}
