package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "github.com/changetrail/changetrail/internal/config"
	"github.com/changetrail/changetrail/internal/storage"
)

// ---------------------------------------------------------------------------
// New() constructor validation (no AWS connection required)
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  appconfig.S3StorageConfig
	}{
		{"missing bucket", appconfig.S3StorageConfig{Region: "us-east-1"}},
		{"missing region", appconfig.S3StorageConfig{Bucket: "audit"}},
		{"static without keys", appconfig.S3StorageConfig{Bucket: "audit", Region: "us-east-1", AuthMethod: "static"}},
		{"unsupported auth method", appconfig.S3StorageConfig{Bucket: "audit", Region: "us-east-1", AuthMethod: "kerberos"}},
		{"oidc without role", appconfig.S3StorageConfig{Bucket: "audit", Region: "us-east-1", AuthMethod: "oidc"}},
		{"oidc without token file", appconfig.S3StorageConfig{
			Bucket: "audit", Region: "us-east-1", AuthMethod: "oidc",
			RoleARN: "arn:aws:iam::123456789012:role/archive",
		}},
		{"assume_role without role", appconfig.S3StorageConfig{Bucket: "audit", Region: "us-east-1", AuthMethod: "assume_role"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if _, err := New(&cfg); err == nil {
				t.Error("New() = nil error, want error")
			}
		})
	}
}

func TestNew_AssumeRole_WithExternalID(t *testing.T) {
	// AssumeRole is lazy, so construction makes no network call
	s, err := New(&appconfig.S3StorageConfig{
		Bucket:     "audit",
		Region:     "us-east-1",
		AuthMethod: "assume_role",
		RoleARN:    "arn:aws:iam::123456789012:role/archive",
		ExternalID: "external-id-123",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if s == nil {
		t.Error("New() returned nil storage")
	}
}

// ---------------------------------------------------------------------------
// Mock S3-compatible HTTP server for operations tests
// ---------------------------------------------------------------------------

type s3MockStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
	ctype   map[string]string
}

// newS3TestStorage creates an S3Storage backed by a minimal path-style
// S3 REST server.
func newS3TestStorage(t *testing.T) (*S3Storage, *s3MockStore) {
	t.Helper()

	ms := &s3MockStore{
		objects: map[string][]byte{},
		meta:    map[string]map[string]string{},
		ctype:   map[string]string{},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		idx := strings.IndexByte(path, '/')
		if idx < 0 {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		key := path[idx+1:]

		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			meta := map[string]string{}
			for hk, hv := range r.Header {
				lk := strings.ToLower(hk)
				if strings.HasPrefix(lk, "x-amz-meta-") && len(hv) > 0 {
					meta[strings.TrimPrefix(lk, "x-amz-meta-")] = hv[0]
				}
			}
			ms.mu.Lock()
			ms.objects[key] = data
			ms.meta[key] = meta
			ms.ctype[key] = r.Header.Get("Content-Type")
			ms.mu.Unlock()
			w.Header().Set("ETag", `"test-etag"`)
			w.WriteHeader(http.StatusOK)

		case http.MethodGet:
			ms.mu.Lock()
			data, ok := ms.objects[key]
			ms.mu.Unlock()
			if !ok {
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprintf(w, `<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
			w.WriteHeader(http.StatusOK)
			w.Write(data)

		case http.MethodHead:
			ms.mu.Lock()
			data, ok := ms.objects[key]
			ms.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
			w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
			w.WriteHeader(http.StatusOK)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)

	s, err := New(&appconfig.S3StorageConfig{
		Bucket:          "audit-bucket",
		Region:          "us-east-1",
		AuthMethod:      "static",
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
		Endpoint:        srv.URL,
	})
	if err != nil {
		t.Fatalf("New() for mock S3: %v", err)
	}
	return s, ms
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

func TestS3_UploadDownload(t *testing.T) {
	s, ms := newS3TestStorage(t)
	ctx := context.Background()

	data := []byte(`{"id":7,"entity_name":"Ticket"}` + "\n")
	result, err := s.Upload(ctx, "audit-archive/2026/10/18/7-7.jsonl", bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if result.Key != "audit-archive/2026/10/18/7-7.jsonl" || result.Size != int64(len(data)) {
		t.Errorf("result = %+v", result)
	}
	if len(result.Checksum) != 64 {
		t.Errorf("Checksum length = %d, want 64", len(result.Checksum))
	}

	ms.mu.Lock()
	if ms.meta["audit-archive/2026/10/18/7-7.jsonl"]["sha256"] != result.Checksum {
		t.Errorf("sha256 metadata = %q", ms.meta["audit-archive/2026/10/18/7-7.jsonl"]["sha256"])
	}
	if ms.ctype["audit-archive/2026/10/18/7-7.jsonl"] != storage.ContentType {
		t.Errorf("content type = %q", ms.ctype["audit-archive/2026/10/18/7-7.jsonl"])
	}
	ms.mu.Unlock()

	rc, err := s.Download(ctx, "audit-archive/2026/10/18/7-7.jsonl")
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, data) {
		t.Errorf("Download() = %q, want %q", got, data)
	}
}

func TestS3_Download_NotFound(t *testing.T) {
	s, _ := newS3TestStorage(t)
	_, err := s.Download(context.Background(), "missing.jsonl")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Download() error = %v, want ErrNotFound", err)
	}
}

func TestS3_Exists(t *testing.T) {
	s, _ := newS3TestStorage(t)
	ctx := context.Background()

	exists, err := s.Exists(ctx, "x.jsonl")
	if err != nil || exists {
		t.Fatalf("Exists() before upload = %v, %v; want false, nil", exists, err)
	}

	if _, err := s.Upload(ctx, "x.jsonl", strings.NewReader("x"), 1); err != nil {
		t.Fatal(err)
	}

	exists, err = s.Exists(ctx, "x.jsonl")
	if err != nil || !exists {
		t.Errorf("Exists() after upload = %v, %v; want true, nil", exists, err)
	}
}
