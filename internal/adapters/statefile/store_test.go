package statefile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func TestStore_LoadMissing(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "state", "last_trades.json"), &mockLogger{})
	require.NoError(t, err)
	got, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "last_trades.json")
	s, err := New(path, &mockLogger{})
	require.NoError(t, err)

	in := map[string]time.Time{
		"BTCUSDT": time.Unix(1709290800, 0).UTC(),
		"ETHUSDT": time.Unix(1709294400, 0).UTC(),
	}
	require.NoError(t, s.Save(context.Background(), in))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"BTCUSDT":1709290800,"ETHUSDT":1709294400}`, string(data))

	out, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, in, out)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not remain")
}

func TestStore_LoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_trades.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	s, err := New(path, &mockLogger{})
	require.NoError(t, err)
	_, err = s.Load(context.Background())
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New("", &mockLogger{})
	assert.Error(t, err)
	_, err = New("x.json", nil)
	assert.Error(t, err)
}
