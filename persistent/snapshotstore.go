package persistent

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/raftkit/raftkit/common"
	log "github.com/sirupsen/logrus"
)

const (
	snapshotDirPrefix = "snapshot_"
	tempDirPrefix     = "tmp_"
	dataFileName      = "data"
	metaFileName      = "meta"
)

func init() {
	common.RegisterSnapshotStorage("file", func(path string) (common.SnapshotStorage, error) {
		return NewFileSnapshotStore(path)
	})
}

// FileSnapshotStore keeps snapshots as directories under one root,
// named by their last included index. Writers build a snapshot in a
// temporary directory and publish it atomically with a rename, so a
// reader either sees a complete snapshot or none at all. Open always
// returns the highest published index, which keeps a slow save that
// publishes after a newer install from winning.
type FileSnapshotStore struct {
	root string
}

var _ common.SnapshotStorage = &FileSnapshotStore{}

func NewFileSnapshotStore(root string) (*FileSnapshotStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &FileSnapshotStore{root: abs}, nil
}

// Init creates the root directory and sweeps temp directories left
// over from a crashed save.
func (s *FileSnapshotStore) Init() error {
	if err := os.MkdirAll(s.root, 0700); err != nil {
		return err
	}
	dirs, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if strings.HasPrefix(dir.Name(), tempDirPrefix) {
			log.Warnf("removing unfinished snapshot %s", dir.Name())
			if err := os.RemoveAll(filepath.Join(s.root, dir.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *FileSnapshotStore) Path() string {
	return s.root
}

// latestIndex returns the highest published snapshot index, or 0 when
// no snapshot exists.
func (s *FileSnapshotStore) latestIndex() (int64, error) {
	dirs, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var latest int64
	for _, dir := range dirs {
		if !strings.HasPrefix(dir.Name(), snapshotDirPrefix) {
			continue
		}
		index, err := strconv.ParseInt(strings.TrimPrefix(dir.Name(), snapshotDirPrefix), 10, 64)
		if err != nil {
			log.Warnf("ignoring stray snapshot directory %s", dir.Name())
			continue
		}
		if index > latest {
			latest = index
		}
	}
	return latest, nil
}

func (s *FileSnapshotStore) Open() (common.SnapshotReader, error) {
	latest, err := s.latestIndex()
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return nil, nil
	}
	dir := filepath.Join(s.root, snapshotDirPrefix+strconv.FormatInt(latest, 10))
	file, err := os.Open(filepath.Join(dir, dataFileName))
	if err != nil {
		return nil, err
	}
	return &fileSnapshotReader{dir: dir, file: file}, nil
}

func (s *FileSnapshotStore) Create() (common.SnapshotWriter, error) {
	dir := filepath.Join(s.root, tempDirPrefix+uuid.New().String())
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	file, err := os.Create(filepath.Join(dir, dataFileName))
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return &fileSnapshotWriter{store: s, dir: dir, file: file}, nil
}

// dropOlderThan removes published snapshots below index.
func (s *FileSnapshotStore) dropOlderThan(index int64) {
	dirs, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, dir := range dirs {
		if !strings.HasPrefix(dir.Name(), snapshotDirPrefix) {
			continue
		}
		old, err := strconv.ParseInt(strings.TrimPrefix(dir.Name(), snapshotDirPrefix), 10, 64)
		if err != nil || old >= index {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, dir.Name())); err != nil {
			log.Warnf("removing superseded snapshot %s: %v", dir.Name(), err)
		}
	}
}

type fileSnapshotReader struct {
	dir  string
	file *os.File
}

var _ common.SnapshotReader = &fileSnapshotReader{}

func (r *fileSnapshotReader) Read(p []byte) (int, error) {
	return r.file.Read(p)
}

func (r *fileSnapshotReader) Close() error {
	return r.file.Close()
}

func (r *fileSnapshotReader) Meta() (*common.SnapshotMeta, error) {
	return readMeta(r.dir)
}

func (r *fileSnapshotReader) URI(addr common.ServerAddress) string {
	return fmt.Sprintf("raft://%s%s", addr, filepath.Join(r.dir, dataFileName))
}

type fileSnapshotWriter struct {
	store *FileSnapshotStore
	dir   string
	file  *os.File
	meta  *common.SnapshotMeta
}

var _ common.SnapshotWriter = &fileSnapshotWriter{}

func (w *fileSnapshotWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

func (w *fileSnapshotWriter) Copy(uri string, fetcher common.FileFetcher) error {
	return fetcher.Fetch(uri, w.file)
}

func (w *fileSnapshotWriter) SaveMeta(meta common.SnapshotMeta) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&meta); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(w.dir, metaFileName), buf.Bytes(), 0600); err != nil {
		return err
	}
	w.meta = &meta
	return nil
}

func (w *fileSnapshotWriter) Meta() (*common.SnapshotMeta, error) {
	if w.meta == nil {
		return nil, fmt.Errorf("snapshot meta not saved yet: %w", common.ErrInvalidArgument)
	}
	return w.meta, nil
}

// Close publishes the snapshot when SaveMeta ran, and discards it
// otherwise.
func (w *fileSnapshotWriter) Close() error {
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.RemoveAll(w.dir)
		return err
	}
	if err := w.file.Close(); err != nil {
		os.RemoveAll(w.dir)
		return err
	}
	if w.meta == nil {
		return os.RemoveAll(w.dir)
	}
	final := filepath.Join(w.store.root, snapshotDirPrefix+strconv.FormatInt(w.meta.LastIncludedIndex, 10))
	if err := os.RemoveAll(final); err != nil {
		os.RemoveAll(w.dir)
		return err
	}
	if err := os.Rename(w.dir, final); err != nil {
		os.RemoveAll(w.dir)
		return err
	}
	w.store.dropOlderThan(w.meta.LastIncludedIndex)
	return nil
}

func readMeta(dir string) (*common.SnapshotMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return nil, err
	}
	var meta common.SnapshotMeta
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
