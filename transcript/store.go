// Package transcript persists conversation transcripts as JSON arrays on
// disk. Two layouts exist: AppendStore grows one file forever, RotateStore
// archives every saved conversation into its own timestamped file.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	avatar "github.com/bt-bridge/streaming-avatar"
	"github.com/bytedance/sonic"
	"github.com/spf13/afero"
)

// Store saves the messages of one finished conversation.
type Store interface {
	Save(ctx context.Context, messages []avatar.Message) error
}

type Mode string

const (
	ModeAppend Mode = "append"
	ModeRotate Mode = "rotate"
)

const (
	LiveFileName   = "conversation.json"
	ArchiveDirName = "archive"

	filePerm = 0o644
	dirPerm  = 0o755
)

func readMessages(fs afero.Fs, path string) ([]avatar.Message, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var messages []avatar.Message
	if len(data) == 0 {
		return messages, nil
	}
	if err := sonic.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return messages, nil
}

func writeMessages(fs afero.Fs, path string, messages []avatar.Message) error {
	if messages == nil {
		messages = []avatar.Message{}
	}
	if err := fs.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	data, err := sonic.ConfigStd.MarshalIndent(messages, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding messages: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, filePerm); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
