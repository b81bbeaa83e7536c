package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "bgjob/pkg/logx"
)

const (
	defaultFileTail = 1000
	maxRecordLine   = 1 << 20
)

// fileStore appends records as JSON Lines and serves Recent from an in-memory tail.
//
// On open, the file is replayed; when Retain is set and exceeded, it is compacted
// to the newest Retain records through a tmp file + rename.
type fileStore struct {
	log  logx.Logger
	path string

	mu   sync.Mutex
	f    *os.File
	tail []Record
	keep int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	keep := defaultFileTail
	if cfg.Retain > 0 {
		keep = cfg.Retain
	}
	s := &fileStore{log: log, path: path, keep: keep}

	all, skipped, err := replayRecords(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("history lines skipped", logx.String("path", path), logx.Int("skipped", skipped))
	}
	if cfg.Retain > 0 && len(all) > cfg.Retain {
		all = all[len(all)-cfg.Retain:]
		if err := compactRecords(path, all); err != nil {
			log.Warn("history compact failed", logx.Err(err))
		}
	}
	s.tail = lastN(all, keep)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

func (s *fileStore) Append(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.tail = append(s.tail, r)
	if len(s.tail) > s.keep {
		s.tail = append(s.tail[:0:0], s.tail[len(s.tail)-s.keep:]...)
	}
	return nil
}

func (s *fileStore) Recent(ctx context.Context, n int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	src := lastN(s.tail, n)
	out := make([]Record, len(src))
	for i, r := range src {
		out[len(src)-1-i] = r
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func lastN(rs []Record, n int) []Record {
	if n <= 0 || n >= len(rs) {
		return rs
	}
	return rs[len(rs)-n:]
}

// replayRecords reads every decodable record in path. Malformed lines and
// lines over maxRecordLine bytes are skipped and counted.
func replayRecords(path string) ([]Record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	var (
		out     []Record
		skipped int
		long    bool
	)
	br := bufio.NewReaderSize(f, maxRecordLine)
	for {
		line, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			long = true
			continue
		}
		if long {
			// tail of an oversized line
			long = false
			skipped++
		} else if len(bytes.TrimSpace(line)) > 0 {
			var r Record
			if json.Unmarshal(line, &r) != nil || r.ID == "" {
				skipped++
			} else {
				out = append(out, r)
			}
		}
		if errors.Is(err, io.EOF) {
			return out, skipped, nil
		}
		if err != nil {
			return out, skipped, err
		}
	}
}

func compactRecords(path string, rs []Record) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range rs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
