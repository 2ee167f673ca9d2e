package publisher

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/amillerrr/vod-packager/internal/logger"
	"github.com/amillerrr/vod-packager/pkg/models"
)

type putCall struct {
	key         string
	contentType string
	acl         types.ObjectCannedACL
	body        string
}

type fakeStore struct {
	mu      sync.Mutex
	puts    []putCall
	deletes []string
	objects map[string]bool
	failKey string
	headErr error
}

func (f *fakeStore) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	if key == f.failKey {
		return nil, errors.New("AccessDenied")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string]bool)
	}
	f.objects[key] = true
	f.puts = append(f.puts, putCall{
		key:         key,
		contentType: aws.ToString(in.ContentType),
		acl:         in.ACL,
		body:        string(body),
	})
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeStore) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, aws.ToString(in.Key))
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeStore) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return nil, f.headErr
	}
	if !f.objects[aws.ToString(in.Key)] {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key]
}

func writePackage(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"master.m3u8":             "#EXTM3U\n",
		"high.m3u8":               "#EXTM3U\nhigh_000.ts\n",
		"high_000.ts":             "ts",
		"high.mp4":                "mp4",
		"thumbnails/thumb_01.jpg": "jpg",
	}
	for name, body := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestPublish(t *testing.T) {
	store := &fakeStore{}
	p := New(store, "vod-bucket", "vod-bucket.s3.us-west-2.amazonaws.com", logger.Discard())

	res, err := p.Publish(context.Background(), "job-1", writePackage(t))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if want := "https://vod-bucket.s3.us-west-2.amazonaws.com/videos/job-1/master.m3u8"; res.URL != want {
		t.Errorf("URL = %q, want %q", res.URL, want)
	}

	var keys []string
	for _, put := range store.puts {
		keys = append(keys, put.key)
		if put.acl != types.ObjectCannedACLPublicRead {
			t.Errorf("%s ACL = %q, want public-read", put.key, put.acl)
		}
	}
	sort.Strings(keys)
	want := []string{
		"videos/job-1/high.m3u8",
		"videos/job-1/high.mp4",
		"videos/job-1/high_000.ts",
		"videos/job-1/master.m3u8",
		"videos/job-1/thumbnails/thumb_01.jpg",
	}
	if !slices.Equal(keys, want) {
		t.Errorf("keys = %v, want %v", keys, want)
	}

	if last := store.puts[len(store.puts)-1]; last.key != "videos/job-1/master.m3u8" {
		t.Errorf("last upload = %s, want master playlist", last.key)
	}
	if res.Bytes != int64(len("#EXTM3U\n")+len("#EXTM3U\nhigh_000.ts\n")+len("ts")+len("mp4")+len("jpg")) {
		t.Errorf("Bytes = %d", res.Bytes)
	}
	if len(res.Keys) != len(want) {
		t.Errorf("Keys = %v", res.Keys)
	}
}

func TestPublishContentTypes(t *testing.T) {
	store := &fakeStore{}
	p := New(store, "b", "cdn.example.com", logger.Discard())

	if _, err := p.Publish(context.Background(), "job-1", writePackage(t)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	for _, put := range store.puts {
		if put.contentType != ContentType(put.key) {
			t.Errorf("%s content type = %q", put.key, put.contentType)
		}
	}
}

func TestPublishRollsBackOnFailure(t *testing.T) {
	tests := []struct {
		name    string
		failKey string
	}{
		{"segment fails", "videos/job-1/high_000.ts"},
		{"master fails", "videos/job-1/master.m3u8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{failKey: tt.failKey}
			p := New(store, "b", "h", logger.Discard())

			_, err := p.Publish(context.Background(), "job-1", writePackage(t))
			if !errors.Is(err, models.ErrPublish) {
				t.Fatalf("Publish() error = %v, want ErrPublish", err)
			}
			if models.ErrorKind(err) != models.KindPublishError {
				t.Errorf("ErrorKind = %s", models.ErrorKind(err))
			}

			for _, put := range store.puts {
				if put.key == "videos/job-1/master.m3u8" {
					t.Error("master playlist uploaded despite failure")
				}
				if !slices.Contains(store.deletes, put.key) {
					t.Errorf("%s uploaded but not rolled back", put.key)
				}
			}
		})
	}
}

func TestPublishRequiresEntryPoint(t *testing.T) {
	store := &fakeStore{}
	p := New(store, "b", "h", logger.Discard())
	dir := writePackage(t)
	if err := os.Remove(filepath.Join(dir, "master.m3u8")); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Publish(context.Background(), "job-1", dir); !errors.Is(err, models.ErrPublish) {
		t.Fatalf("Publish() error = %v, want ErrPublish", err)
	}
	if len(store.puts) != 0 {
		t.Errorf("uploaded %d objects without an entry point", len(store.puts))
	}
}

func TestPublishRejectsUnsafeID(t *testing.T) {
	p := New(&fakeStore{}, "b", "h", logger.Discard())
	if _, err := p.Publish(context.Background(), "../other", writePackage(t)); !errors.Is(err, models.ErrInvalidJobID) {
		t.Errorf("Publish() error = %v, want ErrInvalidJobID", err)
	}
}

func TestRepublishOverwrites(t *testing.T) {
	store := &fakeStore{}
	p := New(store, "b", "h", logger.Discard())
	dir := writePackage(t)

	first, err := p.Publish(context.Background(), "job-1", dir)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Publish(context.Background(), "job-1", dir)
	if err != nil {
		t.Fatalf("second Publish() error = %v", err)
	}
	if first.URL != second.URL {
		t.Errorf("URL changed on republish: %s vs %s", first.URL, second.URL)
	}
	if len(store.deletes) != 0 {
		t.Error("republish deleted objects")
	}
}

func TestFailedRepublishKeepsLivePackage(t *testing.T) {
	store := &fakeStore{}
	p := New(store, "b", "h", logger.Discard())
	dir := writePackage(t)

	first, err := p.Publish(context.Background(), "job-1", dir)
	if err != nil {
		t.Fatal(err)
	}

	store.failKey = "videos/job-1/high_000.ts"
	if _, err := p.Publish(context.Background(), "job-1", dir); !errors.Is(err, models.ErrPublish) {
		t.Fatalf("second Publish() error = %v, want ErrPublish", err)
	}

	if len(store.deletes) != 0 {
		t.Errorf("failed republish deleted %v", store.deletes)
	}
	for _, key := range first.Keys {
		if !store.has(key) {
			t.Errorf("%s of the live package is gone", key)
		}
	}
}

func TestFailedPublishKeepsObjectsWhenLivenessUnknown(t *testing.T) {
	store := &fakeStore{
		failKey: "videos/job-1/high_000.ts",
		headErr: errors.New("RequestTimeout"),
	}
	p := New(store, "b", "h", logger.Discard())

	if _, err := p.Publish(context.Background(), "job-1", writePackage(t)); !errors.Is(err, models.ErrPublish) {
		t.Fatalf("Publish() error = %v, want ErrPublish", err)
	}
	if len(store.deletes) != 0 {
		t.Errorf("deleted %v without knowing whether a package is live", store.deletes)
	}
}

func TestPlaybackURL(t *testing.T) {
	if got := PlaybackURL("cdn.example.com", "abc"); got != "https://cdn.example.com/videos/abc/master.m3u8" {
		t.Errorf("PlaybackURL() = %q", got)
	}
	if !strings.HasSuffix(ObjectPrefix("abc"), "/") {
		t.Error("ObjectPrefix() must end with a slash")
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"master.m3u8":         "application/vnd.apple.mpegurl",
		"high_000.ts":         "video/MP2T",
		"high.mp4":            "video/mp4",
		"thumbs/thumb_01.jpg": "image/jpeg",
		"poster.PNG":          "image/png",
		"notes.txt":           "application/octet-stream",
	}
	for name, want := range tests {
		if got := ContentType(name); got != want {
			t.Errorf("ContentType(%q) = %q, want %q", name, got, want)
		}
	}
}
