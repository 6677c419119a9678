package settings

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kelsos/crawl-sync/internal/backup"
	"github.com/kelsos/crawl-sync/internal/logger"
)

const (
	// TargetsKey holds either the list of user ids or a path to a file with one id per line
	TargetsKey = "user_id_list"
	// CookieKey holds the crawler session cookie
	CookieKey = "cookie"

	placeholderCookie = "your cookie"
)

var (
	// ErrTargetNotFound is returned when removing a user that is not configured
	ErrTargetNotFound = errors.New("user not found")
	// ErrNotLoaded is returned when the settings file has not been loaded successfully
	ErrNotLoaded = errors.New("settings not loaded")
)

type format int

const (
	formatJSON format = iota
	formatYAML
)

// Store is a file-backed crawler settings document. All methods are safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	path   string
	format format
	data   map[string]any
}

// Load reads the settings file at path. Files ending in .yaml or .yml are parsed as YAML,
// everything else as JSON.
func Load(path string) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid settings path %s: %w", path, err)
	}

	s := &Store{path: abs, format: detectFormat(abs)}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func detectFormat(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatJSON
	}
}

// Path returns the absolute path of the settings file
func (s *Store) Path() string {
	return s.path
}

// BackupPath returns the path of the copy written before every save
func (s *Store) BackupPath() string {
	return s.path + ".bak"
}

// Reload re-reads the settings file from disk
func (s *Store) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}

	data, err := s.decode(raw)
	if err != nil {
		return fmt.Errorf("failed to parse settings file %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.data = data
	s.mu.Unlock()

	logger.Info("Settings loaded from %s", s.path)
	return nil
}

// Snapshot returns a deep copy of the whole settings document
func (s *Store) Snapshot() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return nil, ErrNotLoaded
	}
	return copyMap(s.data), nil
}

// Redacted returns a snapshot with the cookie masked
func (s *Store) Redacted() (map[string]any, error) {
	snapshot, err := s.Snapshot()
	if err != nil {
		return nil, err
	}

	if cookie, ok := snapshot[CookieKey].(string); ok && cookie != "" && cookie != placeholderCookie {
		snapshot[CookieKey] = MaskCookie(cookie)
	}
	return snapshot, nil
}

// MaskCookie keeps the first ten characters of long cookies and hides short ones entirely
func MaskCookie(cookie string) string {
	if len(cookie) > 10 {
		return cookie[:10] + "..."
	}
	return "***"
}

// TargetsFile returns the resolved path of the user id file, or "" when the ids are stored inline
func (s *Store) TargetsFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetsFileLocked()
}

func (s *Store) targetsFileLocked() string {
	if s.data == nil {
		return ""
	}
	name, ok := s.data[TargetsKey].(string)
	if !ok || name == "" {
		return ""
	}
	return s.resolve(name)
}

func (s *Store) resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(filepath.Dir(s.path), name)
}

// Targets returns the configured user ids
func (s *Store) Targets() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetsLocked()
}

func (s *Store) targetsLocked() ([]string, error) {
	if s.data == nil {
		return nil, ErrNotLoaded
	}

	if file := s.targetsFileLocked(); file != "" {
		return readTargetsFile(file)
	}

	var list []any
	switch value := s.data[TargetsKey].(type) {
	case []any:
		list = value
	case []string:
		return append([]string{}, value...), nil
	default:
		return []string{}, nil
	}

	targets := make([]string, 0, len(list))
	for _, item := range list {
		if id := targetString(item); id != "" {
			targets = append(targets, id)
		}
	}
	return targets, nil
}

// AddTargets appends ids that are not configured yet, keeping the existing order, and returns the
// ids that were actually added
func (s *Store) AddTargets(ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.targetsLocked()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(current))
	for _, id := range current {
		seen[id] = true
	}

	var added []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		current = append(current, id)
		added = append(added, id)
	}

	if len(added) == 0 {
		return nil, nil
	}

	if err := s.writeTargetsLocked(current); err != nil {
		return nil, err
	}

	logger.Info("Added %d users to settings", len(added))
	return added, nil
}

// MergeTargets makes sure every id in ids is configured
func (s *Store) MergeTargets(ids []string) error {
	_, err := s.AddTargets(ids)
	return err
}

// RemoveTarget removes id from the configured users
func (s *Store) RemoveTarget(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.targetsLocked()
	if err != nil {
		return err
	}

	remaining := make([]string, 0, len(current))
	found := false
	for _, existing := range current {
		if existing == id {
			found = true
			continue
		}
		remaining = append(remaining, existing)
	}

	if !found {
		return fmt.Errorf("%w: %s", ErrTargetNotFound, id)
	}

	if err := s.writeTargetsLocked(remaining); err != nil {
		return err
	}

	logger.Info("Removed user %s from settings", id)
	return nil
}

// Update deep-merges updates into the settings document and saves it
func (s *Store) Update(updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return ErrNotLoaded
	}

	merged := copyMap(s.data)
	deepMerge(merged, copyMap(updates))

	if err := s.saveLocked(merged); err != nil {
		return err
	}
	s.data = merged
	return nil
}

func (s *Store) writeTargetsLocked(targets []string) error {
	if file := s.targetsFileLocked(); file != "" {
		return writeTargetsFile(file, targets)
	}

	list := make([]any, len(targets))
	for i, id := range targets {
		list[i] = id
	}

	merged := copyMap(s.data)
	merged[TargetsKey] = list
	if err := s.saveLocked(merged); err != nil {
		return err
	}
	s.data = merged
	return nil
}

// saveLocked writes data to the settings file, copying the previous version to BackupPath first
func (s *Store) saveLocked(data map[string]any) error {
	raw, err := s.encode(data)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	if _, statErr := os.Stat(s.path); statErr == nil {
		if err := backup.CopyFile(s.path, s.BackupPath()); err != nil {
			return fmt.Errorf("failed to back up settings: %w", err)
		}
	}

	if err := os.WriteFile(s.path, raw, 0600); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	logger.Info("Settings saved to %s", s.path)
	return nil
}

func (s *Store) decode(raw []byte) (map[string]any, error) {
	data := make(map[string]any)
	if len(bytes.TrimSpace(raw)) == 0 {
		return data, nil
	}

	switch s.format {
	case formatYAML:
		if err := yaml.Unmarshal(raw, &data); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, err
		}
	}

	if data == nil {
		data = make(map[string]any)
	}
	return data, nil
}

func (s *Store) encode(data map[string]any) ([]byte, error) {
	if s.format == formatYAML {
		return yaml.Marshal(data)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readTargetsFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to open user list: %w", err)
	}
	defer file.Close()

	targets := []string{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		targets = append(targets, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read user list: %w", err)
	}
	return targets, nil
}

func writeTargetsFile(path string, targets []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create user list directory: %w", err)
	}

	var buf bytes.Buffer
	for _, id := range targets {
		buf.WriteString(id)
		buf.WriteByte('\n')
	}

	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write user list: %w", err)
	}
	return nil
}

func targetString(v any) string {
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}

func deepMerge(base, updates map[string]any) {
	for key, value := range updates {
		if nested, ok := value.(map[string]any); ok {
			if existing, ok := base[key].(map[string]any); ok {
				deepMerge(existing, nested)
				continue
			}
		}
		base[key] = value
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return copyMap(value)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), value...)
	default:
		return value
	}
}
