package blob

import (
	"bytes"
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

type recordedRequest struct {
	method      string
	path        string
	contentType string
	body        string
}

func newFakeS3(t *testing.T, status int) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	requests := []recordedRequest{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, recordedRequest{
			method:      r.Method,
			path:        r.URL.Path,
			contentType: r.Header.Get("Content-Type"),
			body:        string(body),
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	return srv, &requests
}

func newTestClient(t *testing.T, endpoint string) *S3Client {
	t.Helper()
	client, err := NewS3Client(context.Background(), &Config{
		Endpoint:     endpoint,
		Region:       "us-east-1",
		Bucket:       "sentinel-logs",
		AccessKey:    "minio",
		SecretKey:    "minio123",
		UsePathStyle: true,
	})
	require.NoError(t, err)
	return client
}

func TestNewS3Client_RequiresBucket(t *testing.T) {
	_, err := NewS3Client(context.Background(), &Config{Region: "us-east-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")
}

func TestS3Client_Put(t *testing.T) {
	srv, requests := newFakeS3(t, http.StatusOK)
	client := newTestClient(t, srv.URL)

	content := []byte("ERROR something broke\n")
	err := client.Put(context.Background(), "abc-app.log", bytes.NewReader(content), int64(len(content)), "text/plain")
	require.NoError(t, err)

	require.Len(t, *requests, 1)
	got := (*requests)[0]
	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, "/sentinel-logs/abc-app.log", got.path)
	assert.Equal(t, "text/plain", got.contentType)
	assert.Contains(t, got.body, "ERROR something broke")
}

func TestS3Client_HeadBucket(t *testing.T) {
	srv, requests := newFakeS3(t, http.StatusOK)
	client := newTestClient(t, srv.URL)

	require.NoError(t, client.HeadBucket(context.Background()))
	require.Len(t, *requests, 1)
	assert.Equal(t, http.MethodHead, (*requests)[0].method)
	assert.True(t, strings.HasPrefix((*requests)[0].path, "/sentinel-logs"))
}

func TestS3Client_HeadBucketMissing(t *testing.T) {
	srv, _ := newFakeS3(t, http.StatusNotFound)
	client := newTestClient(t, srv.URL)

	err := client.HeadBucket(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sentinel-logs")
}

func TestNewObjectKey(t *testing.T) {
	key := NewObjectKey("app.log")
	assert.True(t, strings.HasSuffix(key, "-app.log"))
	assert.Len(t, key, 36+len("-app.log"))

	assert.NotEqual(t, key, NewObjectKey("app.log"))
	assert.True(t, strings.HasSuffix(NewObjectKey("../../etc/passwd"), "-passwd"))
}
