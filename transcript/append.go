package transcript

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	avatar "github.com/bt-bridge/streaming-avatar"
	"github.com/bt-bridge/streaming-avatar/shared"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// AppendStore keeps every conversation in one live file, appending each
// save to the array already there.
type AppendStore struct {
	logger shared.LoggerAdapter
	fs     afero.Fs
	path   string

	// read-modify-write of the file must not interleave between requests
	mu sync.Mutex
}

var _ Store = (*AppendStore)(nil)

func NewAppendStore(logger shared.LoggerAdapter, fs afero.Fs, dir string) *AppendStore {
	return &AppendStore{
		logger: logger.With(zap.String("component", "transcript"), zap.String("mode", string(ModeAppend))),
		fs:     fs,
		path:   filepath.Join(dir, LiveFileName),
	}
}

func (s *AppendStore) Path() string {
	return s.path
}

func (s *AppendStore) Save(ctx context.Context, messages []avatar.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := readMessages(s.fs, s.path)
	if err != nil {
		return fmt.Errorf("%w: %w", shared.ErrPersistence, err)
	}
	all := append(existing, messages...)
	if err := writeMessages(s.fs, s.path, all); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrPersistence, err)
	}
	s.logger.Info(
		"conversation appended",
		zap.String("path", s.path),
		zap.Int("added", len(messages)),
		zap.Int("total", len(all)),
	)
	return nil
}
