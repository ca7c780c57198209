package files

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"log/slog"

	"gopkg.in/yaml.v3"
)

// Sentinel errors surfaced by the service.
var (
	ErrNotFound    = errors.New("files: not found")
	ErrExists      = errors.New("files: already exists")
	ErrOutsideRoot = errors.New("files: path escapes the workspace")
	ErrTooLarge    = errors.New("files: file exceeds the size limit")
	ErrIsDirectory = errors.New("files: path is a directory")
)

const maxTreeDepth = 16

// Entry describes one file or directory, with paths relative to the
// workspace root and slash-separated.
type Entry struct {
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	Dir      bool      `json:"dir"`
	Size     int64     `json:"size,omitempty"`
	Modified time.Time `json:"modified"`
}

// Node is a directory tree rooted at one entry.
type Node struct {
	Entry
	Children []*Node `json:"children,omitempty"`
}

// ValidationResult reports whether a configuration file parses.
type ValidationResult struct {
	Path   string `json:"path"`
	Format string `json:"format,omitempty"`
	Valid  bool   `json:"valid"`
	Error  string `json:"error,omitempty"`
}

// Service exposes the infrastructure workspace files: the program and
// stack configuration the provisioning tool runs against.
type Service struct {
	root    string
	maxSize int64
	logger  *slog.Logger
}

// NewService roots a service at dir, creating it when missing. maxSizeKB
// bounds both reads and writes.
func NewService(dir string, maxSizeKB int, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if maxSizeKB <= 0 {
		maxSizeKB = 512
	}
	return &Service{root: abs, maxSize: int64(maxSizeKB) * 1024, logger: logger}, nil
}

// resolve maps a client-supplied relative path onto the workspace,
// rejecting anything that would land outside the root.
func (s *Service) resolve(rel string) (string, error) {
	joined := filepath.Join(s.root, filepath.FromSlash(rel))
	if joined != s.root && !strings.HasPrefix(joined, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return joined, nil
}

func (s *Service) relPath(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

func entryFor(abs, rel string, info os.FileInfo) Entry {
	e := Entry{
		Path:     rel,
		Name:     filepath.Base(abs),
		Dir:      info.IsDir(),
		Modified: info.ModTime().UTC(),
	}
	if !e.Dir {
		e.Size = info.Size()
	}
	return e
}

// List returns the direct children of a directory, directories first.
func (s *Service) List(rel string) ([]Entry, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		child := filepath.Join(abs, de.Name())
		entries = append(entries, entryFor(child, s.relPath(child), info))
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Dir != entries[j].Dir {
			return entries[i].Dir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// Tree walks a directory recursively up to a fixed depth.
func (s *Service) Tree(rel string) (*Node, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, fmt.Errorf("stat: %w", err)
	}
	return s.walk(abs, info, 0)
}

func (s *Service) walk(abs string, info os.FileInfo, depth int) (*Node, error) {
	node := &Node{Entry: entryFor(abs, s.relPath(abs), info)}
	if !info.IsDir() || depth >= maxTreeDepth {
		return node, nil
	}
	children, err := s.List(s.relPath(abs))
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		childAbs := filepath.Join(s.root, filepath.FromSlash(child.Path))
		childInfo, err := os.Stat(childAbs)
		if err != nil {
			continue
		}
		childNode, err := s.walk(childAbs, childInfo, depth+1)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, childNode)
	}
	return node, nil
}

// Content reads one file, bounded by the size limit.
func (s *Service) Content(rel string) ([]byte, Entry, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return nil, Entry{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Entry{}, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, Entry{}, fmt.Errorf("stat: %w", err)
	}
	if info.IsDir() {
		return nil, Entry{}, fmt.Errorf("%w: %s", ErrIsDirectory, rel)
	}
	if info.Size() > s.maxSize {
		return nil, Entry{}, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, rel, info.Size())
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, Entry{}, fmt.Errorf("read file: %w", err)
	}
	return content, entryFor(abs, s.relPath(abs), info), nil
}

// Write creates or replaces one file, creating parent directories as
// needed.
func (s *Service) Write(rel string, content []byte) (Entry, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return Entry{}, err
	}
	if int64(len(content)) > s.maxSize {
		return Entry{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(content))
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Entry{}, fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		return Entry{}, fmt.Errorf("write file: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Entry{}, fmt.Errorf("stat after write: %w", err)
	}
	s.logger.Info("file written", "path", s.relPath(abs), "bytes", len(content))
	return entryFor(abs, s.relPath(abs), info), nil
}

// Create writes a new file, refusing to overwrite an existing one.
func (s *Service) Create(rel string, content []byte) (Entry, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return Entry{}, err
	}
	if _, err := os.Stat(abs); err == nil {
		return Entry{}, fmt.Errorf("%w: %s", ErrExists, rel)
	} else if !os.IsNotExist(err) {
		return Entry{}, fmt.Errorf("stat: %w", err)
	}
	return s.Write(rel, content)
}

// Delete removes a file or directory subtree.
func (s *Service) Delete(rel string) error {
	abs, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if abs == s.root {
		return fmt.Errorf("%w: refusing to delete the workspace root", ErrOutsideRoot)
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return fmt.Errorf("stat: %w", err)
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	s.logger.Info("file deleted", "path", rel)
	return nil
}

// Validate parses a configuration file and reports syntax problems
// without failing the request. Unsupported formats pass untouched.
func (s *Service) Validate(rel string) (ValidationResult, error) {
	content, entry, err := s.Content(rel)
	if err != nil {
		return ValidationResult{}, err
	}
	return s.ValidateContent(entry.Path, content), nil
}

// ValidateContent checks raw bytes against the format implied by the
// name's extension, for callers validating unsaved edits.
func (s *Service) ValidateContent(name string, content []byte) ValidationResult {
	result := ValidationResult{Path: name, Valid: true}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		result.Format = "yaml"
		var doc any
		if err := yaml.Unmarshal(content, &doc); err != nil {
			result.Valid = false
			result.Error = err.Error()
		}
	case ".json":
		result.Format = "json"
		var doc any
		if err := json.Unmarshal(content, &doc); err != nil {
			result.Valid = false
			result.Error = err.Error()
		}
	}
	return result
}
