package cache

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

const s3TestBucket = "offline-hub-cache"

func newFakeS3(t *testing.T) (S3Options, *s3.Client) {
	t.Helper()
	faker := gofakes3.New(s3mem.New())
	server := httptest.NewServer(faker.Server())
	t.Cleanup(server.Close)

	opts := S3Options{
		Bucket:    s3TestBucket,
		Region:    "us-east-1",
		Endpoint:  server.URL,
		AccessKey: "test",
		SecretKey: "test",
		Prefix:    "sites/portfolio",
	}
	client, err := NewS3Client(context.Background(), opts)
	if err != nil {
		t.Fatalf("failed to build s3 client: %v", err)
	}
	if _, err := client.CreateBucket(context.Background(), &s3.CreateBucketInput{Bucket: aws.String(s3TestBucket)}); err != nil {
		t.Fatalf("failed to create bucket: %v", err)
	}
	return opts, client
}

func newS3TestStorage(t *testing.T) Storage {
	t.Helper()
	opts, client := newFakeS3(t)
	store, err := NewS3Storage(client, opts.Bucket, opts.Prefix)
	if err != nil {
		t.Fatalf("failed to create s3 storage: %v", err)
	}
	return store
}

func TestS3EntriesReportBodySizeFromMetadata(t *testing.T) {
	store := newS3TestStorage(t)
	ctx := context.Background()
	part, err := store.Open(ctx, "portfolio-images-v1")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	stored := sampleResponse("0123456789")
	if err := part.Put(ctx, "GET /images/hero.png", stored); err != nil {
		t.Fatalf("put error: %v", err)
	}
	got, err := part.Match(ctx, "GET /images/hero.png")
	if err != nil {
		t.Fatalf("match error: %v", err)
	}

	infos, err := part.Entries(ctx)
	if err != nil {
		t.Fatalf("entries error: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected one entry without the partition marker, got %+v", infos)
	}
	if infos[0].SizeBytes != 10 {
		t.Fatalf("expected body size 10, got %d", infos[0].SizeBytes)
	}
	if !infos[0].StoredAt.Equal(got.StoredAt) {
		t.Fatalf("expected stored_at %v, got %v", got.StoredAt, infos[0].StoredAt)
	}
}

func TestS3StorageKeepsPrefixIsolation(t *testing.T) {
	opts, client := newFakeS3(t)
	ctx := context.Background()
	first, err := NewS3Storage(client, opts.Bucket, "sites/portfolio")
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	second, err := NewS3Storage(client, opts.Bucket, "sites/blog")
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	if _, err := first.Open(ctx, "portfolio-static-v1"); err != nil {
		t.Fatalf("open error: %v", err)
	}
	names, err := second.Names(ctx)
	if err != nil {
		t.Fatalf("names error: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected prefixes to be isolated, got %v", names)
	}
	if _, err := first.Open(ctx, "a/b"); err == nil {
		t.Fatalf("expected nested partition name to be rejected")
	}
}

func TestOpenSelectsS3Driver(t *testing.T) {
	opts, _ := newFakeS3(t)
	store, err := Open(context.Background(), Options{Driver: DriverS3, S3: opts})
	if err != nil {
		t.Fatalf("open s3 error: %v", err)
	}
	defer store.Close()
	part, err := store.Open(context.Background(), "portfolio-offline-v1")
	if err != nil {
		t.Fatalf("open partition error: %v", err)
	}
	if err := part.Put(context.Background(), "GET /offline.html", sampleResponse("<html></html>")); err != nil {
		t.Fatalf("put error: %v", err)
	}
}
