package transcript

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	avatar "github.com/bt-bridge/streaming-avatar"
	"github.com/bt-bridge/streaming-avatar/shared"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// archiveStamp is an ISO 8601 UTC timestamp with millisecond precision.
// Colons are swapped for dashes afterwards to keep file names portable.
const archiveStamp = "2006-01-02T15:04:05.000Z07:00"

// RotateStore writes each conversation to the live file and immediately
// moves it into the archive directory under a timestamped name, leaving the
// live path free for the next session.
type RotateStore struct {
	logger     shared.LoggerAdapter
	fs         afero.Fs
	path       string
	archiveDir string
	now        func() time.Time

	mu sync.Mutex
}

var _ Store = (*RotateStore)(nil)

func NewRotateStore(logger shared.LoggerAdapter, fs afero.Fs, dir string) *RotateStore {
	return &RotateStore{
		logger:     logger.With(zap.String("component", "transcript"), zap.String("mode", string(ModeRotate))),
		fs:         fs,
		path:       filepath.Join(dir, LiveFileName),
		archiveDir: filepath.Join(dir, ArchiveDirName),
		now:        time.Now,
	}
}

// ArchiveName is the file name a conversation saved at t is archived under.
func ArchiveName(t time.Time) string {
	stamp := strings.ReplaceAll(t.UTC().Format(archiveStamp), ":", "-")
	return "conversation_" + stamp + ".json"
}

func (s *RotateStore) Save(ctx context.Context, messages []avatar.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeMessages(s.fs, s.path, messages); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrPersistence, err)
	}
	if err := s.fs.MkdirAll(s.archiveDir, dirPerm); err != nil {
		return fmt.Errorf("%w: creating %s: %w", shared.ErrPersistence, s.archiveDir, err)
	}
	archived, err := s.freeArchivePath(ArchiveName(s.now()))
	if err != nil {
		return fmt.Errorf("%w: %w", shared.ErrPersistence, err)
	}
	if err := s.fs.Rename(s.path, archived); err != nil {
		return fmt.Errorf("%w: archiving %s: %w", shared.ErrPersistence, s.path, err)
	}
	s.logger.Info(
		"conversation archived",
		zap.String("path", archived),
		zap.Int("messages", len(messages)),
	)
	return nil
}

// freeArchivePath returns the archive path for name, suffixed with _1, _2, ...
// when saves land in the same millisecond. Callers hold mu.
func (s *RotateStore) freeArchivePath(name string) (string, error) {
	base := strings.TrimSuffix(name, ".json")
	candidate := name
	for i := 1; ; i++ {
		path := filepath.Join(s.archiveDir, candidate)
		taken, err := afero.Exists(s.fs, path)
		if err != nil {
			return "", fmt.Errorf("checking %s: %w", path, err)
		}
		if !taken {
			return path, nil
		}
		candidate = fmt.Sprintf("%s_%d.json", base, i)
	}
}
