package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"bgjob/internal/job"
)

const DefaultChunkSize = 1 << 20

// DigestResult is the outcome of a digest job.
type DigestResult struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

type digestState struct {
	path  string
	chunk int

	f    *os.File
	h    hash.Hash
	buf  []byte
	size int64
	read int64
	stop func() bool
}

// NewDigest builds a job that hashes the file at path, reading one chunk per step.
// Progress follows bytes read; files of unknown size report indeterminate progress.
func NewDigest(path string, chunk int, done job.DoneFunc, opts ...job.Option) *job.Job {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	st := &digestState{path: path, chunk: chunk}
	return job.New(st.step, done, append([]job.Option{job.WithKind("digest")}, opts...)...)
}

func (s *digestState) step(ctx context.Context, j *job.Job) {
	if err := ctx.Err(); err != nil {
		s.fail(j, err)
		return
	}
	if s.f == nil {
		if err := s.open(ctx); err != nil {
			s.fail(j, err)
			return
		}
		if s.size <= 0 {
			j.SetIndeterminate()
		}
	}

	n, err := s.f.Read(s.buf)
	if n > 0 {
		_, _ = s.h.Write(s.buf[:n])
		s.read += int64(n)
		if s.size > 0 {
			j.SetProgress(int(s.read * 100 / s.size))
		}
	}
	switch {
	case errors.Is(err, io.EOF):
		s.close()
		j.SetProgress(100)
		j.Finish(DigestResult{Path: s.path, Size: s.read, SHA256: hex.EncodeToString(s.h.Sum(nil))})
	case err != nil:
		s.fail(j, fmt.Errorf("read %s: %w", s.path, err))
	}
}

func (s *digestState) open(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	if fi.IsDir() {
		_ = f.Close()
		return fmt.Errorf("%s is a directory", s.path)
	}
	s.f, s.h, s.size = f, sha256.New(), fi.Size()
	s.buf = make([]byte, s.chunk)
	// closes the file when the job is dropped before EOF
	s.stop = context.AfterFunc(ctx, func() { _ = f.Close() })
	return nil
}

func (s *digestState) fail(j *job.Job, err error) {
	s.close()
	j.Fail(err)
}

func (s *digestState) close() {
	if s.f == nil {
		return
	}
	if s.stop != nil {
		s.stop()
	}
	_ = s.f.Close()
	s.f, s.buf = nil, nil
}
