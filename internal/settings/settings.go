// Package settings persists the user-editable state: credentials and
// coefficients, calendar notes and the notification ledger.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/types"
)

const (
	settingsFile     = "settings.json"
	calendarFile     = "calendar_notes.json"
	notificationFile = "notification_state.json"
)

// NotificationState tracks which reminders were already sent.
type NotificationState struct {
	SentIDs []string `json:"sent_ids"`
}

// Store owns the data directory and the in-memory settings snapshot.
type Store struct {
	dir    string
	logger types.Logger

	mu      sync.RWMutex
	current types.Settings
}

// DataDir returns the user-writable directory beside the executable,
// falling back to the working directory.
func DataDir() string {
	exe, err := os.Executable()
	if err != nil {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, "data")
	}
	return filepath.Join(filepath.Dir(exe), "data")
}

func NewStore(dir string, logger types.Logger) *Store {
	return &Store{dir: dir, logger: logger}
}

// Load reads settings.json, applying coefficient defaults. A missing file
// yields defaults without error so first runs work.
func (s *Store) Load() (types.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var loaded types.Settings
	data, err := os.ReadFile(filepath.Join(s.dir, settingsFile))
	if err == nil {
		if err := json.Unmarshal(data, &loaded); err != nil {
			return types.Settings{}, fmt.Errorf("settings parse failed: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return types.Settings{}, err
	}

	applyDefaults(&loaded)
	s.current = loaded
	return loaded, nil
}

// Save persists settings as UTF-8 JSON and replaces the snapshot.
func (s *Store) Save(settings types.Settings) error {
	applyDefaults(&settings)

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	if err := s.writeFile(settingsFile, data); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = settings
	s.mu.Unlock()
	return nil
}

// Current returns the latest snapshot. Adapters hold this as a provider so
// saved credential changes take effect without restart.
func (s *Store) Current() types.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func applyDefaults(s *types.Settings) {
	if s.TciCoefficient <= 0 {
		s.TciCoefficient = 1.0
	}
	if s.SigmaCoefficientUS <= 0 {
		s.SigmaCoefficientUS = 1.0
	}
	if s.SigmaCoefficientDE <= 0 {
		s.SigmaCoefficientDE = 1.0
	}
	if s.SigmaCoefficientGB <= 0 {
		s.SigmaCoefficientGB = 1.0
	}
}

// LoadCalendarNotes returns the notes list untouched; the core only stores
// it on behalf of the UI.
func (s *Store) LoadCalendarNotes() ([]map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, calendarFile))
	if os.IsNotExist(err) {
		return []map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	var notes []map[string]any
	if err := json.Unmarshal(data, &notes); err != nil {
		return nil, fmt.Errorf("calendar notes parse failed: %w", err)
	}
	return notes, nil
}

// SaveCalendarNotes persists the notes list as received.
func (s *Store) SaveCalendarNotes(notes []map[string]any) error {
	data, err := json.MarshalIndent(notes, "", "  ")
	if err != nil {
		return err
	}
	return s.writeFile(calendarFile, data)
}

// MarkMeetingComplete flags one meeting inside a note identified by date.
func (s *Store) MarkMeetingComplete(noteDate, meetingID string) error {
	notes, err := s.LoadCalendarNotes()
	if err != nil {
		return err
	}

	found := false
	for _, note := range notes {
		if date, _ := note["date"].(string); date != noteDate {
			continue
		}
		meetings, _ := note["meetings"].([]any)
		for _, m := range meetings {
			meeting, ok := m.(map[string]any)
			if !ok {
				continue
			}
			if id, _ := meeting["id"].(string); id == meetingID {
				meeting["completed"] = true
				found = true
			}
		}
	}
	if !found {
		return fmt.Errorf("meeting %s not found on %s", meetingID, noteDate)
	}
	return s.SaveCalendarNotes(notes)
}

// LoadNotificationState returns the sent-notification ledger.
func (s *Store) LoadNotificationState() (NotificationState, error) {
	var state NotificationState
	data, err := os.ReadFile(filepath.Join(s.dir, notificationFile))
	if os.IsNotExist(err) {
		return state, nil
	}
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return NotificationState{}, err
	}
	return state, nil
}

// SaveNotificationState persists the ledger.
func (s *Store) SaveNotificationState(state NotificationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.writeFile(notificationFile, data)
}

func (s *Store) writeFile(name string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, name), data, 0o644)
}
