package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"calorie-ai/config"
	"calorie-ai/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	methods []string
	paths   []string
	types   []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.methods = append(f.methods, r.Method)
	f.paths = append(f.paths, r.URL.Path)
	f.types = append(f.types, r.Header.Get("Content-Type"))
	f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestStorage(t *testing.T, prefix string) (*S3Storage, *fakeS3) {
	t.Helper()
	fake := &fakeS3{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewS3Storage(context.Background(), config.StorageConfig{
		Bucket:    "calories",
		Region:    "us-east-1",
		Endpoint:  srv.URL,
		AccessKey: "key",
		SecretKey: "secret",
		Prefix:    prefix,
	}, logger.NewNop())
	require.NoError(t, err)
	return s, fake
}

func TestUploadReturnsPublicURL(t *testing.T) {
	s, fake := newTestStorage(t, "/prod/")

	url, err := s.Upload(context.Background(), []byte("png-bytes"), "image/png", FolderReceipts)
	require.NoError(t, err)

	require.Len(t, fake.paths, 1)
	assert.Equal(t, http.MethodPut, fake.methods[0])
	assert.True(t, strings.HasPrefix(fake.paths[0], "/calories/prod/receipts/"), fake.paths[0])
	assert.True(t, strings.HasSuffix(fake.paths[0], ".png"))
	assert.Equal(t, "image/png", fake.types[0])

	key, ok := s.KeyFromURL(url)
	require.True(t, ok)
	assert.Equal(t, strings.TrimPrefix(fake.paths[0], "/calories/"), key)
}

func TestDeleteIgnoresForeignURLs(t *testing.T) {
	s, fake := newTestStorage(t, "")

	require.NoError(t, s.Delete(context.Background(), "https://elsewhere.example/a.jpg"))
	assert.Empty(t, fake.paths)

	url, err := s.Upload(context.Background(), []byte("jpeg"), "image/jpeg", FolderMeals)
	require.NoError(t, err)
	require.NoError(t, s.Delete(context.Background(), url))

	require.Len(t, fake.methods, 2)
	assert.Equal(t, http.MethodDelete, fake.methods[1])
	assert.Equal(t, fake.paths[0], fake.paths[1])
}

func TestPublicBaseURL(t *testing.T) {
	assert.Equal(t, "https://cdn.example", publicBaseURL(config.StorageConfig{PublicBaseURL: "https://cdn.example/"}))
	assert.Equal(t, "http://minio:9000/b", publicBaseURL(config.StorageConfig{Endpoint: "http://minio:9000", Bucket: "b"}))
	assert.Equal(t, "https://b.s3.eu-west-1.amazonaws.com", publicBaseURL(config.StorageConfig{Bucket: "b", Region: "eu-west-1"}))
}
