package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalMediaStoreUpload(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalMediaStore(dir, "https://media.example.com/uploads/")
	require.NoError(t, err)

	url, err := store.Upload(context.Background(), "voice-note.webm", []byte("audio-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "https://media.example.com/uploads/voice-note.webm", url)

	data, err := os.ReadFile(filepath.Join(dir, "voice-note.webm"))
	require.NoError(t, err)
	assert.Equal(t, []byte("audio-bytes"), data)
}

func TestLocalMediaStoreRejectsEmpty(t *testing.T) {
	store, err := NewLocalMediaStore(t.TempDir(), "http://localhost")
	require.NoError(t, err)

	_, err = store.Upload(context.Background(), "x.png", nil)
	assert.ErrorIs(t, err, ErrEmptyUpload)
}

func TestSanitizeMediaName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "photo.png", "photo.png"},
		{"path traversal stripped", "../../etc/passwd", "passwd"},
		{"unsafe characters replaced", "my photo (1).png", "my_photo__1_.png"},
		{"empty", "", "upload"},
		{"dot only", ".", "upload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeMediaName(tt.in))
		})
	}
}
