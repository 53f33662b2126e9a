//go:build integration

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"

	"dcss-portal/internal/upload"
)

func TestMinioStoreRoundTrip(t *testing.T) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	tag := os.Getenv("MINIO_TEST_TAG")
	if tag == "" {
		tag = "RELEASE.2024-01-31T20-20-33Z"
	}
	res, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "minio/minio",
		Tag:        tag,
		Cmd:        []string{"server", "/data"},
		Env:        []string{"MINIO_ROOT_USER=minio", "MINIO_ROOT_PASSWORD=minio123"},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
	})
	if err != nil {
		t.Fatalf("could not start minio: %v", err)
	}
	t.Cleanup(func() { _ = pool.Purge(res) })

	endpoint := "localhost:" + res.GetPort("9000/tcp")
	if err := pool.Retry(func() error {
		resp, err := http.Get("http://" + endpoint + "/minio/health/live")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("minio not ready: %d", resp.StatusCode)
		}
		return nil
	}); err != nil {
		t.Fatalf("minio not ready: %v", err)
	}

	ctx := context.Background()
	mc, err := minio.New(endpoint, &minio.Options{Creds: credentials.NewStaticV4("minio", "minio123", "")})
	if err != nil {
		t.Fatal(err)
	}
	if err := mc.MakeBucket(ctx, "uploads", minio.MakeBucketOptions{}); err != nil {
		t.Fatalf("MakeBucket: %v", err)
	}

	if _, err := NewMinioStore(ctx, Config{Endpoint: endpoint, AccessKey: "minio", SecretKey: "minio123", Bucket: "missing"}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
	s, err := NewMinioStore(ctx, Config{Endpoint: "http://" + endpoint, AccessKey: "minio", SecretKey: "minio123", Bucket: "uploads"})
	if err != nil {
		t.Fatalf("NewMinioStore: %v", err)
	}

	payload := []byte("hello parts")
	if err := s.Put(ctx, "k-part-0", bytes.NewReader(payload), int64(len(payload)), "application/octet-stream"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rc, err := s.Get(ctx, "k-part-0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, payload) {
		t.Fatalf("Get = %q", got)
	}

	if err := s.Delete(ctx, "k-part-0"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "k-part-0"); !errors.Is(err, upload.ErrObjectNotFound) {
		t.Fatalf("Get after delete err = %v", err)
	}

	for _, k := range []string{"uploads/u/f.txt", "uploads/u/f.txt-part-0", "uploads/u/f.txt-part-1", "uploads/u/g.txt"} {
		if err := s.Put(ctx, k, bytes.NewReader(payload), int64(len(payload)), "text/plain"); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}
	n, err := s.DeletePrefix(ctx, "uploads/u/f.txt")
	if err != nil || n != 3 {
		t.Fatalf("DeletePrefix = %d, %v", n, err)
	}
	if _, err := s.Get(ctx, "uploads/u/g.txt"); err != nil {
		t.Fatalf("unrelated object removed: %v", err)
	}
}
