package rpc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/raftkit/raftkit/common"
)

// maxReadChunk caps how much one ReadFile call returns, whatever the
// caller asked for.
const maxReadChunk = 1 << 20

// FileService serves byte ranges of files below explicitly allowed
// directories. Snapshot storages allow their root on node init, which
// is the only thing peers ever fetch.
type FileService struct {
	mu      sync.Mutex
	allowed map[string]struct{}
}

var _ common.FileService = &FileService{}

func NewFileService() *FileService {
	return &FileService{
		allowed: map[string]struct{}{},
	}
}

func (s *FileService) Allow(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowed[filepath.Clean(dir)] = struct{}{}
}

func (s *FileService) Disallow(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.allowed, filepath.Clean(dir))
}

// permitted reports whether path lies below one of the allowed
// directories after cleaning, so ".." segments cannot escape.
func (s *FileService) permitted(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dir := range s.allowed {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (s *FileService) ReadFile(args *common.ReadFileArgs, reply *common.ReadFileReply) error {
	path := filepath.Clean(args.Path)
	if !filepath.IsAbs(path) || !s.permitted(path) {
		return fmt.Errorf("file %s is not served here: %w", args.Path, common.ErrInvalidArgument)
	}
	if args.Offset < 0 || args.Count <= 0 {
		return fmt.Errorf("bad read range [%d, +%d): %w", args.Offset, args.Count, common.ErrInvalidArgument)
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	count := args.Count
	if count > maxReadChunk {
		count = maxReadChunk
	}
	buf := make([]byte, count)
	n, err := file.ReadAt(buf, args.Offset)
	if err != nil && err != io.EOF {
		return err
	}
	reply.Data = buf[:n]
	reply.Eof = err == io.EOF
	return nil
}
