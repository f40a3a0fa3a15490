// Package backup snapshots the store with VACUUM INTO and optionally
// ships the copy to S3-compatible storage.
package backup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/config"
)

// localRetention is how long local backup files are kept.
const localRetention = 7 * 24 * time.Hour

// Service creates verified database snapshots.
type Service struct {
	db        *sql.DB
	backupDir string
	cfg       *config.Config
	log       zerolog.Logger
}

// NewService creates the backup service. backupDir is created on the
// first run.
func NewService(db *sql.DB, backupDir string, cfg *config.Config, log zerolog.Logger) *Service {
	return &Service{
		db:        db,
		backupDir: backupDir,
		cfg:       cfg,
		log:       log.With().Str("service", "backup").Logger(),
	}
}

// Enabled reports whether remote upload is configured. The local
// snapshot runs either way.
func (s *Service) Enabled() bool {
	return s.cfg.BackupBucket != ""
}

// Run produces one verified snapshot, uploads it when a bucket is
// configured, and rotates old local files. Returns the local path.
func (s *Service) Run(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	name := fmt.Sprintf("tickerpulse_%s.db", time.Now().UTC().Format("2006-01-02_150405"))
	path := filepath.Join(s.backupDir, name)

	// VACUUM INTO writes an atomic, WAL-free copy.
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", path)); err != nil {
		return "", fmt.Errorf("VACUUM INTO failed: %w", err)
	}
	if err := verify(path); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("backup verification failed: %w", err)
	}

	if s.Enabled() {
		if err := s.upload(ctx, path, name); err != nil {
			// Keep the local copy; the next run retries the upload path.
			s.log.Error().Err(err).Str("bucket", s.cfg.BackupBucket).Msg("Backup upload failed")
			return path, err
		}
		s.log.Info().Str("bucket", s.cfg.BackupBucket).Str("key", name).Msg("Backup uploaded")
	}

	s.rotate()
	return path, nil
}

// verify opens the copy and runs an integrity check.
func verify(path string) error {
	backupDB, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer backupDB.Close()

	var result string
	if err := backupDB.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func (s *Service) upload(ctx context.Context, path, key string) error {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion("auto"),
	}
	if s.cfg.BackupAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.cfg.BackupAccessKey, s.cfg.BackupSecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to load storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s.cfg.BackupEndpoint != "" {
			o.BaseEndpoint = &s.cfg.BackupEndpoint
			o.UsePathStyle = true
		}
	})

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open backup for upload: %w", err)
	}
	defer file.Close()

	uploader := manager.NewUploader(client)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &s.cfg.BackupBucket,
		Key:    &key,
		Body:   file,
	})
	if err != nil {
		return fmt.Errorf("failed to upload backup: %w", err)
	}
	return nil
}

// rotate deletes local backup files past the retention window.
func (s *Service) rotate() {
	cutoff := time.Now().Add(-localRetention)
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read backup directory")
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(s.backupDir, entry.Name())
			if err := os.Remove(path); err != nil {
				s.log.Warn().Err(err).Str("path", path).Msg("Failed to delete old backup")
			}
		}
	}
}
