package files

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	svc, err := NewService(dir, 1, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, dir
}

func TestServiceRejectsPathTraversal(t *testing.T) {
	svc, _ := newTestService(t)
	for _, rel := range []string{"../secrets", "a/../../etc/passwd", "..", "../../"} {
		if _, err := svc.List(rel); !errors.Is(err, ErrOutsideRoot) {
			t.Errorf("List(%q) = %v, want ErrOutsideRoot", rel, err)
		}
		if _, _, err := svc.Content(rel); !errors.Is(err, ErrOutsideRoot) {
			t.Errorf("Content(%q) = %v, want ErrOutsideRoot", rel, err)
		}
		if _, err := svc.Write(rel, []byte("x")); !errors.Is(err, ErrOutsideRoot) {
			t.Errorf("Write(%q) = %v, want ErrOutsideRoot", rel, err)
		}
		if err := svc.Delete(rel); !errors.Is(err, ErrOutsideRoot) {
			t.Errorf("Delete(%q) = %v, want ErrOutsideRoot", rel, err)
		}
	}
}

func TestServiceWriteAndReadBack(t *testing.T) {
	svc, dir := newTestService(t)

	entry, err := svc.Write("stacks/Pulumi.dev.yaml", []byte("config:\n  region: eu\n"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if entry.Path != "stacks/Pulumi.dev.yaml" || entry.Dir {
		t.Errorf("entry = %+v", entry)
	}
	if _, err := os.Stat(filepath.Join(dir, "stacks", "Pulumi.dev.yaml")); err != nil {
		t.Fatalf("file missing on disk: %v", err)
	}

	content, got, err := svc.Content("stacks/Pulumi.dev.yaml")
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if string(content) != "config:\n  region: eu\n" {
		t.Errorf("content = %q", content)
	}
	if got.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", got.Size, len(content))
	}

	if err := svc.Delete("stacks/Pulumi.dev.yaml"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := svc.Content("stacks/Pulumi.dev.yaml"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Content after delete = %v, want ErrNotFound", err)
	}
	if err := svc.Delete("stacks/Pulumi.dev.yaml"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestServiceSizeLimit(t *testing.T) {
	svc, _ := newTestService(t)
	big := make([]byte, 2048)
	if _, err := svc.Write("big.bin", big); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Write oversized = %v, want ErrTooLarge", err)
	}
}

func TestServiceListSortsDirectoriesFirst(t *testing.T) {
	svc, _ := newTestService(t)
	for _, rel := range []string{"zz.txt", "aa.txt"} {
		if _, err := svc.Write(rel, []byte("x")); err != nil {
			t.Fatalf("Write %s: %v", rel, err)
		}
	}
	if _, err := svc.Write("modules/network.yaml", []byte("x")); err != nil {
		t.Fatalf("Write nested: %v", err)
	}

	entries, err := svc.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d", len(entries))
	}
	if !entries[0].Dir || entries[0].Name != "modules" {
		t.Errorf("first entry = %+v, want modules directory", entries[0])
	}
	if entries[1].Name != "aa.txt" || entries[2].Name != "zz.txt" {
		t.Errorf("files not name-sorted: %s, %s", entries[1].Name, entries[2].Name)
	}
}

func TestServiceTree(t *testing.T) {
	svc, _ := newTestService(t)
	for _, rel := range []string{"main.yaml", "modules/net/vpc.yaml", "modules/compute.yaml"} {
		if _, err := svc.Write(rel, []byte("x")); err != nil {
			t.Fatalf("Write %s: %v", rel, err)
		}
	}
	root, err := svc.Tree("")
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if !root.Dir || len(root.Children) != 2 {
		t.Fatalf("root = %+v with %d children", root.Entry, len(root.Children))
	}
	modules := root.Children[0]
	if modules.Name != "modules" || len(modules.Children) != 2 {
		t.Fatalf("modules node = %+v with %d children", modules.Entry, len(modules.Children))
	}
	if modules.Children[0].Name != "net" || len(modules.Children[0].Children) != 1 {
		t.Errorf("nested directory not walked: %+v", modules.Children[0])
	}
}

func TestServiceValidate(t *testing.T) {
	svc, _ := newTestService(t)
	writes := map[string]string{
		"good.yaml":  "config:\n  region: eu\n",
		"bad.yaml":   "config: [unclosed\n",
		"good.json":  `{"name": "dev"}`,
		"bad.json":   `{"name": }`,
		"readme.txt": "anything goes",
	}
	for rel, content := range writes {
		if _, err := svc.Write(rel, []byte(content)); err != nil {
			t.Fatalf("Write %s: %v", rel, err)
		}
	}

	tests := []struct {
		rel    string
		format string
		valid  bool
	}{
		{"good.yaml", "yaml", true},
		{"bad.yaml", "yaml", false},
		{"good.json", "json", true},
		{"bad.json", "json", false},
		{"readme.txt", "", true},
	}
	for _, tt := range tests {
		result, err := svc.Validate(tt.rel)
		if err != nil {
			t.Fatalf("Validate(%s): %v", tt.rel, err)
		}
		if result.Valid != tt.valid || result.Format != tt.format {
			t.Errorf("Validate(%s) = %+v, want valid=%v format=%q", tt.rel, result, tt.valid, tt.format)
		}
		if !tt.valid && result.Error == "" {
			t.Errorf("Validate(%s) invalid but carries no error", tt.rel)
		}
	}

	if _, err := svc.Validate("missing.yaml"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Validate missing = %v, want ErrNotFound", err)
	}
}

func TestServiceValidateContent(t *testing.T) {
	svc, _ := newTestService(t)

	result := svc.ValidateContent("draft.yaml", []byte("config: [unclosed\n"))
	if result.Valid || result.Format != "yaml" || result.Error == "" {
		t.Errorf("ValidateContent bad yaml = %+v", result)
	}
	result = svc.ValidateContent("draft.json", []byte(`{"region": "eu"}`))
	if !result.Valid || result.Format != "json" {
		t.Errorf("ValidateContent good json = %+v", result)
	}
}

func TestServiceCreateRefusesOverwrite(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Create("Pulumi.yaml", []byte("name: sandbox\n")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Create("Pulumi.yaml", []byte("name: other\n")); !errors.Is(err, ErrExists) {
		t.Fatalf("second Create = %v, want ErrExists", err)
	}

	content, _, err := svc.Content("Pulumi.yaml")
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if string(content) != "name: sandbox\n" {
		t.Errorf("content overwritten: %q", content)
	}
}
