package pipeline

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-worker/internal/entity"
	"image-worker/internal/imaging"
)

type memStore struct {
	objects map[string][]byte
	types   map[string]string
}

func (m *memStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	if m.objects == nil {
		m.objects = map[string][]byte{}
		m.types = map[string]string{}
	}
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

func TestStoreUploaderNaming(t *testing.T) {
	store := &memStore{}
	up := NewStoreUploader(store, imaging.NewEncoder(""), "https://cdn.test/", "dev_", slog.New(slog.NewTextHandler(io.Discard, nil)))

	art, err := up.Upload(context.Background(), frames(1), "job1", UploadOptions{Format: entity.FormatPNG})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/dev_job1.png", art.URL)
	assert.Equal(t, int64(len(store.objects["dev_job1.png"])), art.Size)
	assert.Equal(t, "image/png", store.types["dev_job1.png"])

	art, err = up.Upload(context.Background(), frames(3), "job1", UploadOptions{Format: entity.FormatJPEG})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/dev_job1.gif", art.URL)
}

func TestStoreUploaderResize(t *testing.T) {
	store := &memStore{}
	up := NewStoreUploader(store, imaging.NewEncoder(""), "https://cdn.test", "", slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := up.Upload(context.Background(), frames(1), "small", UploadOptions{Format: entity.FormatPNG, Resize: 8})
	require.NoError(t, err)

	img, err := imaging.Decode(store.objects["small.png"])
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
}
