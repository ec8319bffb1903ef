package archive

import (
	"context"
	"errors"
	"os"
	"testing"

	"conclave/api/internal/gitrepo"
)

type fakeBundler struct {
	bundleFn func(ctx context.Context, repoID, branch, dst string) error
	recorded map[string]string
}

func (f *fakeBundler) Bundle(ctx context.Context, repoID, branch, dst string) error {
	return f.bundleFn(ctx, repoID, branch, dst)
}

func (f *fakeBundler) SetPromotionArchive(_ context.Context, _ string, from, to, key string) error {
	if f.recorded == nil {
		f.recorded = make(map[string]string)
	}
	f.recorded[from+".."+to] = key
	return nil
}

type fakeUploader struct {
	uploadFn func(ctx context.Context, key, path string) error
}

func (f fakeUploader) Upload(ctx context.Context, key, path string) error {
	return f.uploadFn(ctx, key, path)
}

func TestKey(t *testing.T) {
	got := Key("repo-1", "main", "0123456789abcdef0123", "fedcba9876543210fedc")
	if got != "repo-1/main/0123456789ab..fedcba987654.bundle" {
		t.Fatalf("Key() = %q", got)
	}
	if got := Key("r", "main", "abc", "def"); got != "r/main/abc..def.bundle" {
		t.Fatalf("Key() short = %q", got)
	}
}

func TestArchivePromotion(t *testing.T) {
	bundler := &fakeBundler{bundleFn: func(_ context.Context, repoID, branch, dst string) error {
		if repoID != "repo-1" || branch != "main" {
			t.Fatalf("unexpected bundle request %s %s", repoID, branch)
		}
		return os.WriteFile(dst, []byte("bundle"), 0o644)
	}}
	var uploadedKey string
	uploader := fakeUploader{uploadFn: func(_ context.Context, key, path string) error {
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if string(content) != "bundle" {
			t.Fatalf("uploaded content = %q", content)
		}
		uploadedKey = key
		return nil
	}}

	key, err := New(bundler, uploader, nil).ArchivePromotion(context.Background(), gitrepo.Promotion{
		RepoID: "repo-1", Source: "buffer", Target: "main", From: "aaa", To: "bbb",
	})
	if err != nil {
		t.Fatalf("ArchivePromotion() error = %v", err)
	}
	if key != "repo-1/main/aaa..bbb.bundle" || uploadedKey != key {
		t.Fatalf("key = %q, uploaded %q", key, uploadedKey)
	}
	if bundler.recorded["aaa..bbb"] != key {
		t.Fatalf("archive key not recorded: %+v", bundler.recorded)
	}
}

func TestArchivePromotionSkipsUpToDate(t *testing.T) {
	bundler := &fakeBundler{bundleFn: func(context.Context, string, string, string) error {
		t.Fatal("bundle should not be created")
		return nil
	}}
	key, err := New(bundler, nil, nil).ArchivePromotion(context.Background(), gitrepo.Promotion{UpToDate: true})
	if err != nil || key != "" {
		t.Fatalf("ArchivePromotion() = %q, %v", key, err)
	}
}

func TestArchivePromotionUploadFailure(t *testing.T) {
	bundler := &fakeBundler{bundleFn: func(_ context.Context, _, _, dst string) error {
		return os.WriteFile(dst, []byte("bundle"), 0o644)
	}}
	uploader := fakeUploader{uploadFn: func(context.Context, string, string) error {
		return errors.New("bucket unreachable")
	}}
	if _, err := New(bundler, uploader, nil).ArchivePromotion(context.Background(), gitrepo.Promotion{
		RepoID: "repo-1", Target: "main", From: "a", To: "b",
	}); err == nil {
		t.Fatal("expected upload error")
	}
	if len(bundler.recorded) != 0 {
		t.Fatal("failed upload must not be recorded")
	}
}
