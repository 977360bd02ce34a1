package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aegisgate/aegisgate/pkg/models"
)

// LocalFileArchiver writes pruned audit records as JSONL files to a local
// directory.
//
// Directory structure:
//
//	{basePath}/behavior_events/2026-08-27T15-04-05Z.jsonl[.gz]
//	{basePath}/usage_logs/2026-08-27T15-04-05Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
}

// NewLocalFileArchiver creates a file-based archiver. If basePath is empty,
// it defaults to "~/.aegisgate/archive".
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = "/tmp/aegisgate/archive"
		} else {
			basePath = filepath.Join(home, ".aegisgate", "archive")
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress}
}

func (a *LocalFileArchiver) ArchiveBehaviorEvents(_ context.Context, events []models.BehaviorEvent) (string, error) {
	return writeJSONL(a, "behavior_events", len(events), func(enc *json.Encoder) error {
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return fmt.Errorf("encode behavior event %s: %w", ev.ID, err)
			}
		}
		return nil
	})
}

func (a *LocalFileArchiver) ArchiveUsageLogs(_ context.Context, logs []models.UsageLog) (string, error) {
	return writeJSONL(a, "usage_logs", len(logs), func(enc *json.Encoder) error {
		for _, entry := range logs {
			if err := enc.Encode(entry); err != nil {
				return fmt.Errorf("encode usage log %s: %w", entry.ID, err)
			}
		}
		return nil
	})
}

// HealthCheck verifies the archive path is writable.
func (a *LocalFileArchiver) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}

func writeJSONL(a *LocalFileArchiver, kind string, count int, write func(*json.Encoder) error) (string, error) {
	dir := filepath.Join(a.basePath, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := time.Now().UTC().Format("2006-01-02T15-04-05Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if a.compress {
		gw := gzip.NewWriter(f)
		defer gw.Close()
		enc = json.NewEncoder(gw)
	}

	if err := write(enc); err != nil {
		return "", err
	}

	log.Debug().
		Str("path", fpath).
		Int("count", count).
		Str("kind", kind).
		Msg("Archived audit records to local file")

	return fpath, nil
}
