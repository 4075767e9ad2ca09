package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/fruitsalade/appfs/internal/storage"
)

// fakeS3 serves the path-style subset of the S3 API used by Store.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
}

func newFakeS3(buckets ...string) *fakeS3 {
	f := &fakeS3{buckets: make(map[string]bool), objects: make(map[string][]byte)}
	for _, b := range buckets {
		f.buckets[b] = true
	}
	return f
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if key == "" {
		f.serveBucket(w, r, bucket)
		return
	}
	if !f.buckets[bucket] {
		writeError(w, http.StatusNotFound, "NoSuchBucket")
		return
	}

	id := bucket + "/" + key
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[id] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[id]
		if !ok {
			writeError(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.Write(data)
	case http.MethodHead:
		data, ok := f.objects[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) serveBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	switch r.Method {
	case http.MethodHead:
		if !f.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		f.buckets[bucket] = true
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		prefix := r.URL.Query().Get("prefix")
		var keys []string
		for id := range f.objects {
			k := strings.TrimPrefix(id, bucket+"/")
			if k != id && strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)

		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
		b.WriteString(`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
		fmt.Fprintf(&b, "<Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><IsTruncated>false</IsTruncated>", bucket, prefix, len(keys))
		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size></Contents>", k, len(f.objects[bucket+"/"+k]))
		}
		b.WriteString(`</ListBucketResult>`)
		w.Header().Set("Content-Type", "application/xml")
		io.WriteString(w, b.String())
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}

func newTestStore(t *testing.T, fake *fakeS3, fileSystem string) *Store {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewFromConfig(context.Background(), Config{
		Endpoint:  srv.URL,
		Bucket:    "appfs",
		Region:    "us-east-1",
		AccessKey: "test",
		SecretKey: "test",
		Prefix:    "blobs",
	}, fileSystem)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	return s
}

func TestBlobLifecycle(t *testing.T) {
	s := newTestStore(t, newFakeS3("appfs"), "fs")
	ctx := context.Background()

	if err := s.WriteBlob(ctx, "n1", "network", strings.NewReader("payload")); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	if err := s.WriteBlob(ctx, "n1", "parameters v2", strings.NewReader("{}")); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	if err := s.WriteBlob(ctx, "n2", "other", strings.NewReader("x")); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}

	rc, err := s.ReadBlob(ctx, "n1", "network")
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "payload" {
		t.Errorf("expected payload, got %q", data)
	}

	names, err := s.DataNames(ctx, "n1")
	if err != nil {
		t.Fatalf("DataNames: %v", err)
	}
	if len(names) != 2 || names[0] != "network" || names[1] != "parameters v2" {
		t.Errorf("unexpected names %v", names)
	}

	removed, err := s.RemoveData(ctx, "n1", "network")
	if err != nil || !removed {
		t.Fatalf("RemoveData: removed=%v err=%v", removed, err)
	}
	removed, err = s.RemoveData(ctx, "n1", "network")
	if err != nil || removed {
		t.Errorf("expected second removal to report false, got %v %v", removed, err)
	}

	if _, err := s.ReadBlob(ctx, "n1", "network"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEmptyDataNames(t *testing.T) {
	s := newTestStore(t, newFakeS3("appfs"), "fs")
	names, err := s.DataNames(context.Background(), "nothing")
	if err != nil {
		t.Fatalf("DataNames: %v", err)
	}
	if names == nil || len(names) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", names)
	}
}

func TestCreatesMissingBucket(t *testing.T) {
	fake := newFakeS3()
	newTestStore(t, fake, "fs")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if !fake.buckets["appfs"] {
		t.Error("expected bucket to be created")
	}
}

func TestFileSystemsDoNotShareKeys(t *testing.T) {
	fake := newFakeS3("appfs")
	one := newTestStore(t, fake, "one")
	two := newTestStore(t, fake, "two")
	ctx := context.Background()

	if err := one.WriteBlob(ctx, "n", "data", strings.NewReader("1")); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	if _, err := two.ReadBlob(ctx, "n", "data"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound from other file system, got %v", err)
	}
}

func TestKeyLayout(t *testing.T) {
	s := New(nil, "bucket", "/blobs/", "fs")
	if got := s.key("n1", "a/b"); got != "blobs/fs/n1/a%2Fb" {
		t.Errorf("unexpected key %q", got)
	}
	s = New(nil, "bucket", "", "fs")
	if got := s.key("n1", "data"); got != "fs/n1/data" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestNewFromConfigRequiresBucket(t *testing.T) {
	_, err := NewFromConfig(context.Background(), Config{}, "fs")
	if !errors.Is(err, storage.ErrConfigurationMissing) {
		t.Errorf("expected ErrConfigurationMissing, got %v", err)
	}
}
