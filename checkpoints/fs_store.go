package checkpoints

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// FileStore writes one file per snapshot into a directory of an afero.Fs.
// Files are written to a temporary name and renamed into place, so a failed
// write never leaves a truncated snapshot under the final name.
type FileStore struct {
	fs     afero.Fs
	dir    string
	format CheckpointFormat

	mu sync.Mutex
}

func NewFileStore(fs afero.Fs, dir string, format CheckpointFormat) *FileStore {
	return &FileStore{fs: fs, dir: dir, format: format}
}

func (s *FileStore) Init(_ context.Context) error {
	if s.fs == nil {
		return errors.New("file store needs a filesystem")
	}
	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return errors.Wrapf(err, "create checkpoint dir %s", s.dir)
	}
	return nil
}

// Path returns the file a snapshot is stored in.
func (s *FileStore) Path(name string) string {
	return filepath.Join(s.dir, name+s.format.Extension())
}

func (s *FileStore) Save(ctx context.Context, name string, c *Checkpoint) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := Marshal(c, s.format)
	if err != nil {
		return errors.Wrapf(err, "save %s", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(name)
	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, payload, 0644); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.Wrapf(err, "rename %s", tmp)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, name string) (*Checkpoint, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload, err := afero.ReadFile(s.fs, s.Path(name))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNotFound, name)
	} else if err != nil {
		return nil, errors.Wrapf(err, "read %s", name)
	}

	c, err := Unmarshal(payload, s.format)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", name)
	}
	return c, nil
}

func (s *FileStore) List(_ context.Context) ([]string, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", s.dir)
	}

	ext := s.format.Extension()
	var names []string
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), ext) {
			continue
		}
		names = append(names, strings.TrimSuffix(info.Name(), ext))
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileStore) Close() error {
	return nil
}
