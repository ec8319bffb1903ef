// Package archive stores a git bundle of the promote target after every
// promotion in S3-compatible object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"conclave/api/internal/gitrepo"
)

// Bundler produces bundles and records where they were archived.
type Bundler interface {
	Bundle(ctx context.Context, repoID, branch, dst string) error
	SetPromotionArchive(ctx context.Context, repoID, from, to, key string) error
}

type Uploader interface {
	Upload(ctx context.Context, key, path string) error
}

type Archiver struct {
	bundler  Bundler
	uploader Uploader
	logger   *slog.Logger
}

func New(bundler Bundler, uploader Uploader, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{bundler: bundler, uploader: uploader, logger: logger.With("component", "archive")}
}

// Key is the object key of a promotion bundle.
func Key(repoID, target, from, to string) string {
	return fmt.Sprintf("%s/%s/%s..%s.bundle", repoID, target, short(from), short(to))
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// ArchivePromotion bundles the promoted target branch, uploads it and records
// the object key against the promotion. Up-to-date promotions are skipped.
func (a *Archiver) ArchivePromotion(ctx context.Context, promotion gitrepo.Promotion) (string, error) {
	if promotion.UpToDate {
		return "", nil
	}
	if a.uploader == nil {
		return "", errors.New("archive promotion: no uploader configured")
	}

	dir, err := os.MkdirTemp("", "conclave-bundle-*")
	if err != nil {
		return "", fmt.Errorf("create bundle dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "promotion.bundle")
	if err := a.bundler.Bundle(ctx, promotion.RepoID, promotion.Target, path); err != nil {
		return "", fmt.Errorf("bundle promotion: %w", err)
	}

	key := Key(promotion.RepoID, promotion.Target, promotion.From, promotion.To)
	if err := a.uploader.Upload(ctx, key, path); err != nil {
		return "", fmt.Errorf("upload bundle %s: %w", key, err)
	}
	if err := a.bundler.SetPromotionArchive(ctx, promotion.RepoID, promotion.From, promotion.To, key); err != nil {
		return "", fmt.Errorf("record archive key: %w", err)
	}
	a.logger.Info("promotion archived", "repo_id", promotion.RepoID, "target", promotion.Target, "key", key)
	return key, nil
}
