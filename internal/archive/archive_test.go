package archive

import (
	"context"
	"errors"
	"io"
	"net/url"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

type fakeObjects struct {
	exists  bool
	made    []string
	puts    map[string][]byte
	putErr  error
	presign time.Duration
}

func (f *fakeObjects) BucketExists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeObjects) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.made = append(f.made, bucket)
	return nil
}

func (f *fakeObjects) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	data, _ := io.ReadAll(r)
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[bucket+"/"+key] = data
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func (f *fakeObjects) PresignedGetObject(_ context.Context, bucket, key string, expiry time.Duration, _ url.Values) (*url.URL, error) {
	f.presign = expiry
	return url.Parse("https://objects.example.com/" + bucket + "/" + key + "?X-Amz-Signature=sig")
}

func TestSummaryKey(t *testing.T) {
	if got := SummaryKey("team-1", "meeting-9", "pdf"); got != "summaries/team-1/meeting-9.pdf" {
		t.Fatalf("SummaryKey() = %q", got)
	}
}

func TestPutSummaryUploadsAndPresigns(t *testing.T) {
	objects := &fakeObjects{}
	s := &Store{client: objects, bucket: "parabol-summaries", expiry: time.Hour}

	link, err := s.PutSummary(context.Background(), "team-1", "meeting-9", "pdf", "application/pdf", []byte("%PDF-1.7"))
	if err != nil {
		t.Fatalf("PutSummary() error = %v", err)
	}
	if string(objects.puts["parabol-summaries/summaries/team-1/meeting-9.pdf"]) != "%PDF-1.7" {
		t.Fatalf("object not stored: %v", objects.puts)
	}
	if link != "https://objects.example.com/parabol-summaries/summaries/team-1/meeting-9.pdf?X-Amz-Signature=sig" {
		t.Fatalf("unexpected link %s", link)
	}
	if objects.presign != time.Hour {
		t.Fatalf("presign expiry = %v", objects.presign)
	}
}

func TestPutSummaryWrapsUploadError(t *testing.T) {
	boom := errors.New("boom")
	s := &Store{client: &fakeObjects{putErr: boom}, bucket: "b"}
	if _, err := s.PutSummary(context.Background(), "t", "m", "pdf", "application/pdf", nil); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped upload error, got %v", err)
	}
}

func TestEnsureBucketCreatesOnce(t *testing.T) {
	objects := &fakeObjects{}
	s := &Store{client: objects, bucket: "b"}
	if err := s.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("EnsureBucket() error = %v", err)
	}
	objects.exists = true
	if err := s.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("EnsureBucket() error = %v", err)
	}
	if len(objects.made) != 1 {
		t.Fatalf("expected one MakeBucket call, got %v", objects.made)
	}
}

func TestNilStoreIsDisabled(t *testing.T) {
	s, err := New(Config{})
	if err != nil || s != nil {
		t.Fatalf("New(empty) = %v, %v", s, err)
	}
	if _, err := s.PutSummary(context.Background(), "t", "m", "pdf", "", nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
