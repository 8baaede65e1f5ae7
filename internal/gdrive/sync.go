// Package gdrive mirrors the daily transcript files into a Google Drive
// folder as Google Docs.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const DefaultInterval = 5 * time.Minute

type Syncer struct {
	service  *drive.Service
	folderID string

	mu      sync.Mutex
	fileIDs map[string]string
}

func NewSyncer(ctx context.Context, credPath, folderID string) (*Syncer, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	config, err := google.CredentialsFromJSONWithTypeAndParams(ctx, creds, google.ServiceAccount,
		google.CredentialsParams{Scopes: []string{drive.DriveFileScope}})
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	return newSyncer(ctx, folderID, option.WithCredentials(config))
}

func newSyncer(ctx context.Context, folderID string, opts ...option.ClientOption) (*Syncer, error) {
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return &Syncer{service: svc, folderID: folderID, fileIDs: make(map[string]string)}, nil
}

// Sync uploads localPath as the document for date, creating it on the first
// sync of the day and replacing its content afterwards. A missing local file
// means nothing was transcribed yet and is not an error.
func (s *Syncer) Sync(ctx context.Context, localPath, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(localPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	if fileID, ok := s.fileIDs[date]; ok {
		if _, err := s.service.Files.Update(fileID, &drive.File{}).Media(f).Context(ctx).Do(); err != nil {
			return fmt.Errorf("drive update: %w", err)
		}
		return nil
	}

	doc, err := s.service.Files.Create(&drive.File{
		Name:     "click2call-" + date,
		MimeType: "application/vnd.google-apps.document",
		Parents:  []string{s.folderID},
	}).Media(f).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("drive create: %w", err)
	}

	s.fileIDs[date] = doc.Id
	return nil
}

// Run syncs the file returned by current every interval until ctx ends.
func (s *Syncer) Run(ctx context.Context, interval time.Duration, current func() (path, date string), logger *slog.Logger) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			path, date := current()
			if err := s.Sync(ctx, path, date); err != nil {
				logger.Warn("gdrive: sync failed", "path", path, "error", err)
			}
		}
	}
}
