package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "abc.webp", want: "abc.webp"},
		{in: "/dev_abc.webp", want: "dev_abc.webp"},
		{in: "./a/b.png", want: "a/b.png"},
		{in: "a\\b.png", want: "a/b.png"},
		{in: "../etc/passwd", wantErr: true},
		{in: "  ", wantErr: true},
		{in: "..", wantErr: true},
	}
	for _, tt := range tests {
		got, err := sanitizeKey(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestFileStorePut(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Put(context.Background(), "job1.webp", []byte("data"), "image/webp"))

	got, err := os.ReadFile(filepath.Join(dir, "job1.webp"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))

	assert.Error(t, store.Put(context.Background(), "../escape", []byte("x"), ""))
}

func TestBunnyStorePut(t *testing.T) {
	var (
		gotPath string
		gotKey  string
		gotBody string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		gotPath = r.URL.Path
		gotKey = r.Header.Get("AccessKey")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	store, err := NewBunnyStore(srv.URL+"/zone/", "secret", srv.Client())
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "abc.gif", []byte("gif"), "image/gif"))

	assert.Equal(t, "/zone/abc.gif", gotPath)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "gif", gotBody)
}

func TestBunnyStoreErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "denied", http.StatusUnauthorized)
	}))
	defer srv.Close()

	store, err := NewBunnyStore(srv.URL, "bad", nil)
	require.NoError(t, err)
	err = store.Put(context.Background(), "abc.png", []byte("x"), "image/png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestR2StorePut(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store, err := NewR2Store(context.Background(), Config{
		Endpoint:        srv.URL,
		Bucket:          "images",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
	})
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "dev_abc.webp", []byte("webp"), "image/webp"))

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.True(t, strings.HasSuffix(gotPath, "/images/dev_abc.webp"), gotPath)
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New(context.Background(), Config{Driver: "ftp"})
	assert.ErrorIs(t, err, ErrUnknownDriver)
	assert.False(t, KnownDriver("ftp"))
	assert.True(t, KnownDriver("R2"))
}
