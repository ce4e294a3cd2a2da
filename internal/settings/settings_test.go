package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), logrus.New())
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	store := newTestStore(t)

	settings, err := store.Load()

	require.NoError(t, err)
	assert.Empty(t, settings.NetflexUser)
	assert.Equal(t, 1.0, settings.TciCoefficient)
	assert.Equal(t, 1.0, settings.SigmaCoefficientUS)
	assert.Equal(t, 1.0, settings.SigmaCoefficientDE)
	assert.Equal(t, 1.0, settings.SigmaCoefficientGB)
}

func TestSaveLoad_Roundtrip(t *testing.T) {
	store := newTestStore(t)

	saved := types.Settings{
		NetflexUser:        "user@example.com",
		NetflexPass:        "s3cret",
		OrkimUser:          "firma@example.com",
		OrkimPass:          "parola",
		OCRAPIKey:          "sk-test",
		SigmaCoefficientUS: 1.25,
	}
	require.NoError(t, store.Save(saved))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", loaded.NetflexUser)
	assert.Equal(t, 1.25, loaded.SigmaCoefficientUS)
	// Unset coefficients were defaulted on save.
	assert.Equal(t, 1.0, loaded.SigmaCoefficientDE)
}

func TestSave_UpdatesCurrentSnapshot(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Load()
	require.NoError(t, err)

	require.NoError(t, store.Save(types.Settings{OrkimUser: "yeni@example.com"}))

	assert.Equal(t, "yeni@example.com", store.Current().OrkimUser)
}

func TestLoad_CorruptFileFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte("{nope"), 0o644))

	store := NewStore(dir, logrus.New())
	_, err := store.Load()
	assert.Error(t, err)
}

func TestCalendarNotes_Passthrough(t *testing.T) {
	store := newTestStore(t)

	notes, err := store.LoadCalendarNotes()
	require.NoError(t, err)
	assert.Empty(t, notes)

	saved := []map[string]any{
		{"date": "2026-09-01", "meetings": []any{
			map[string]any{"id": "m-1", "title": "Tedarikçi görüşmesi", "completed": false},
		}},
	}
	require.NoError(t, store.SaveCalendarNotes(saved))

	loaded, err := store.LoadCalendarNotes()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "2026-09-01", loaded[0]["date"])
}

func TestMarkMeetingComplete(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveCalendarNotes([]map[string]any{
		{"date": "2026-09-01", "meetings": []any{
			map[string]any{"id": "m-1", "completed": false},
			map[string]any{"id": "m-2", "completed": false},
		}},
	}))

	require.NoError(t, store.MarkMeetingComplete("2026-09-01", "m-2"))

	notes, err := store.LoadCalendarNotes()
	require.NoError(t, err)
	meetings := notes[0]["meetings"].([]any)
	first := meetings[0].(map[string]any)
	second := meetings[1].(map[string]any)
	assert.Equal(t, false, first["completed"])
	assert.Equal(t, true, second["completed"])
}

func TestMarkMeetingComplete_NotFound(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveCalendarNotes([]map[string]any{
		{"date": "2026-09-01", "meetings": []any{}},
	}))

	assert.Error(t, store.MarkMeetingComplete("2026-09-01", "ghost"))
	assert.Error(t, store.MarkMeetingComplete("2026-09-02", "m-1"))
}

func TestNotificationState_Roundtrip(t *testing.T) {
	store := newTestStore(t)

	state, err := store.LoadNotificationState()
	require.NoError(t, err)
	assert.Empty(t, state.SentIDs)

	require.NoError(t, store.SaveNotificationState(NotificationState{SentIDs: []string{"m-1", "m-2"}}))

	state, err = store.LoadNotificationState()
	require.NoError(t, err)
	assert.Equal(t, []string{"m-1", "m-2"}, state.SentIDs)
}
