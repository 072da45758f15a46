package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
	"github.com/rs/zerolog/log"
)

// LocalFileArchiver writes expired handoffs as JSONL files:
//
//	{basePath}/handoffs/2026-02-20T15-04-05.000000000Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
	now      func() time.Time
}

// NewLocalFileArchiver creates a file-based archiver.
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	return &LocalFileArchiver{
		basePath: basePath,
		compress: compress,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

func (a *LocalFileArchiver) ArchiveHandoffs(_ context.Context, handoffs []models.Handoff) (string, error) {
	dir := filepath.Join(a.basePath, "handoffs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := a.now().Format("2006-01-02T15-04-05.000000000Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	if err := writeJSONL(f, handoffs, a.compress); err != nil {
		f.Close()
		os.Remove(fpath)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close archive file: %w", err)
	}

	log.Debug().Str("path", fpath).Int("count", len(handoffs)).Msg("Archived handoffs to local file")
	return fpath, nil
}

func writeJSONL(w io.Writer, handoffs []models.Handoff, compress bool) error {
	var gw *gzip.Writer
	if compress {
		gw = gzip.NewWriter(w)
		w = gw
	}
	enc := json.NewEncoder(w)
	for _, h := range handoffs {
		if err := enc.Encode(h); err != nil {
			return fmt.Errorf("encode handoff %s: %w", h.ID, err)
		}
	}
	if gw != nil {
		return gw.Close()
	}
	return nil
}
