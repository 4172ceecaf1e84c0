package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ochat/conversation"
)

// ExportMetadata is a lightweight view of a saved export for listing.
type ExportMetadata struct {
	Name         string    `json:"name"`
	Model        string    `json:"model"`
	Timestamp    time.Time `json:"timestamp"`
	MessageCount int       `json:"messageCount"`
}

// ExportStore keeps exported conversations as JSON files under
// <data_dir>/exports.
type ExportStore struct {
	dir string
}

func NewExportStore(dataDir string) (*ExportStore, error) {
	dir := filepath.Join(dataDir, "exports")

	// 0700, exports contain conversation history
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create exports directory: %w", err)
	}
	return &ExportStore{dir: dir}, nil
}

func (s *ExportStore) Dir() string { return s.dir }

func (s *ExportStore) path(name string) string {
	return filepath.Join(s.dir, SanitizeFilename(name)+".json")
}

// Save writes doc under name and returns the name actually used.
func (s *ExportStore) Save(name string, doc conversation.Document) (string, error) {
	if name == "" {
		name = DefaultName(doc)
	}
	if doc.Timestamp.IsZero() {
		doc.Timestamp = time.Now().UTC()
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal export: %w", err)
	}
	if err := writePrivate(s.path(name), data); err != nil {
		return "", err
	}
	return SanitizeFilename(name), nil
}

func (s *ExportStore) Load(name string) (conversation.Document, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return conversation.Document{}, fmt.Errorf("export %q not found: %w", name, err)
		}
		return conversation.Document{}, fmt.Errorf("failed to read export file: %w", err)
	}

	var doc conversation.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return conversation.Document{}, fmt.Errorf("failed to unmarshal export: %w", err)
	}
	return doc, nil
}

// List returns metadata for all exports, newest first. Unreadable files are
// skipped.
func (s *ExportStore) List() ([]ExportMetadata, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read exports directory: %w", err)
	}

	var exports []ExportMetadata
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var doc conversation.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}

		exports = append(exports, ExportMetadata{
			Name:         strings.TrimSuffix(entry.Name(), ".json"),
			Model:        doc.Model,
			Timestamp:    doc.Timestamp,
			MessageCount: len(doc.History),
		})
	}

	sort.Slice(exports, func(i, j int) bool {
		return exports[i].Timestamp.After(exports[j].Timestamp)
	})
	return exports, nil
}

func (s *ExportStore) Delete(name string) error {
	if err := os.Remove(s.path(name)); err != nil {
		return fmt.Errorf("failed to delete export file: %w", err)
	}
	return nil
}

// WriteFile writes an export blob to an arbitrary path, creating parent
// directories.
func WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return writePrivate(path, data)
}

func writePrivate(path string, data []byte) error {
	// 0600, exports contain conversation history
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}
	return nil
}

// SanitizeFilename removes or replaces characters that are invalid in filenames
func SanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ', '\n', '\r', '\t':
			return '-'
		}
		return r
	}, name)

	name = strings.Trim(name, "-.")

	if runes := []rune(name); len(runes) > 50 {
		name = strings.TrimRight(string(runes[:50]), "-.")
	}
	if name == "" {
		name = "conversation"
	}
	return name
}

// GenerateExportPath returns ~/Downloads/ochat-<name>-<timestamp>.json.
func GenerateExportPath(name string) string {
	homeDir := os.Getenv("HOME")
	if homeDir == "" {
		homeDir = os.Getenv("USERPROFILE")
	}

	timestamp := time.Now().Format("20060102-150405")
	filename := fmt.Sprintf("ochat-%s-%s.json", SanitizeFilename(name), timestamp)
	return filepath.Join(homeDir, "Downloads", filename)
}

// GenerateName derives a name from the first user message.
func GenerateName(firstMessage string) string {
	name := strings.Join(strings.Fields(firstMessage), " ")
	if runes := []rune(name); len(runes) > 30 {
		name = string(runes[:30]) + "..."
	}
	if name == "" {
		return fmt.Sprintf("Conversation %s", time.Now().Format("Jan 2, 3:04 PM"))
	}
	return name
}

// DefaultName names doc after its first user message.
func DefaultName(doc conversation.Document) string {
	return GenerateName(firstUserMessage(doc.History))
}

func firstUserMessage(history []conversation.Message) string {
	for _, m := range history {
		if m.Role == conversation.RoleUser {
			return m.Content
		}
	}
	return ""
}
