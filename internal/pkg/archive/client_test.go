package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 understands the handful of path-style calls the client makes.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == f.bucket || path == f.bucket+"/" {
		w.WriteHeader(http.StatusOK)
		return
	}
	key := strings.TrimPrefix(path, f.bucket+"/")
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		body, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "webhooks", objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), &Config{
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		Region:          "us-east-1",
		BucketName:      "webhooks",
		EndpointURL:     srv.URL,
		Enabled:         true,
	})
	require.NoError(t, err)
	return client, fake
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("ARCHIVE_ENABLED", "false")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.False(t, cfg.IsEnabled())

	t.Setenv("ARCHIVE_ENABLED", "true")
	t.Setenv("ARCHIVE_S3_ACCESS_KEY_ID", "")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "ARCHIVE_S3_ACCESS_KEY_ID")

	t.Setenv("ARCHIVE_S3_ACCESS_KEY_ID", "id")
	t.Setenv("ARCHIVE_S3_SECRET_ACCESS_KEY", "secret")
	t.Setenv("ARCHIVE_S3_BUCKET", "webhooks")
	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "webhooks", cfg.BucketName)
}

func TestNewClientDisabled(t *testing.T) {
	_, err := NewClient(context.Background(), &Config{})
	assert.Error(t, err)
}

func TestPutGetExists(t *testing.T) {
	client, fake := newTestClient(t)
	ctx := context.Background()
	key := "webhooks/stripe/2026/10/15/evt_1.json"

	exists, err := client.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, client.Put(ctx, key, []byte(`{"id":"evt_1"}`)))
	assert.Equal(t, `{"id":"evt_1"}`, string(fake.objects[key]))

	exists, err = client.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	body, err := client.Get(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"evt_1"}`, string(body))
}
