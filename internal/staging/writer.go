// Package staging writes uploaded file parts to transient local storage and
// removes them again once they have been relayed.
package staging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	"upload-relay/internal/logging"
)

// Status is the lifecycle state of a staged file.
type Status int

const (
	Pending Status = iota
	Written
	WriteFailed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Written:
		return "written"
	case WriteFailed:
		return "write_failed"
	default:
		return "unknown"
	}
}

// FilePart is one file announced by the multipart decoder.
type FilePart struct {
	FieldName   string
	Filename    string
	ContentType string
	Content     io.Reader
}

// StagedFile describes the local copy of one file part.
type StagedFile struct {
	Index            int
	FieldName        string
	OriginalFilename string
	Path             string
	Size             int64
	ContentType      string
	Status           Status
}

// Writer stages file parts under a single directory.
type Writer struct {
	dir string
}

// NewWriter returns a Writer for dir, creating it if needed.
func NewWriter(dir string) (*Writer, error) {
	if dir == "" {
		return nil, errors.New("staging directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Dir returns the staging directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Unit tracks one file being written. Drained closes once the source has been
// consumed; Wait returns once the local handle has been closed.
type Unit struct {
	file     StagedFile
	drained  chan struct{}
	done     chan struct{}
	readErr  error
	writeErr error
}

// Stage starts writing part to a unique path and returns immediately. The
// caller must not touch part.Content again until Drained is closed.
func (w *Writer) Stage(index int, part FilePart) *Unit {
	u := &Unit{
		file: StagedFile{
			Index:            index,
			FieldName:        part.FieldName,
			OriginalFilename: part.Filename,
			Path:             filepath.Join(w.dir, uniqueName(part.Filename)),
			ContentType:      part.ContentType,
			Status:           Pending,
		},
		drained: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go u.run(part.Content)
	return u
}

// Path returns the staging path, valid as soon as Stage returns.
func (u *Unit) Path() string {
	return u.file.Path
}

// Filename returns the declared filename, valid as soon as Stage returns.
func (u *Unit) Filename() string {
	return u.file.OriginalFilename
}

// Drained is closed when the source reader has been fully consumed.
func (u *Unit) Drained() <-chan struct{} {
	return u.drained
}

// ReadErr returns the error hit while reading the source, if any. Only valid
// after Drained is closed.
func (u *Unit) ReadErr() error {
	<-u.drained
	return u.readErr
}

// Wait blocks until the file is closed and returns its final state. The source
// is already drained by then, so the wait is bounded by a local flush.
func (u *Unit) Wait() (StagedFile, error) {
	<-u.done
	if u.readErr != nil {
		return u.file, fmt.Errorf("read upload stream: %w", u.readErr)
	}
	if u.writeErr != nil {
		return u.file, u.writeErr
	}
	return u.file, nil
}

// sourceReader remembers read errors so they can be told apart from write
// errors after io.Copy.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

func (u *Unit) run(content io.Reader) {
	defer close(u.done)

	src := &sourceReader{r: content}
	size, werr := u.copyToDisk(src)

	// The decoder cannot advance until this part is consumed, so keep
	// reading after a local failure.
	if werr != nil && src.err == nil {
		_, _ = io.Copy(io.Discard, src)
	}
	u.readErr = src.err
	close(u.drained)

	if werr != nil || src.err != nil {
		u.file.Status = WriteFailed
		if werr != nil {
			u.writeErr = werr
			logging.Warn("staging_write_failed", logging.Fields{
				"index": u.file.Index,
				"path":  u.file.Path,
			}, werr)
		}
		return
	}

	u.file.Size = size
	u.file.Status = Written
	if u.file.ContentType == "" || u.file.ContentType == "application/octet-stream" {
		if m, err := mimetype.DetectFile(u.file.Path); err == nil {
			u.file.ContentType = m.String()
		}
	}
}

// copyToDisk returns the number of bytes written and the first local I/O
// error. Source read errors are recorded by src and reported separately.
func (u *Unit) copyToDisk(src *sourceReader) (int64, error) {
	f, err := os.OpenFile(u.file.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create staging file: %w", err)
	}

	n, copyErr := io.Copy(f, src)
	if copyErr != nil && src.err != nil {
		copyErr = nil
	}
	if copyErr == nil && src.err == nil {
		copyErr = f.Sync()
	}
	if cerr := f.Close(); cerr != nil && copyErr == nil {
		copyErr = fmt.Errorf("close staging file: %w", cerr)
	}
	if copyErr != nil {
		return n, fmt.Errorf("write staging file: %w", copyErr)
	}
	return n, nil
}

// Verify checks that a written file actually exists on disk and refreshes its
// size. Files that fail the check must not be relayed.
func Verify(f StagedFile) (StagedFile, error) {
	if f.Status != Written {
		return f, fmt.Errorf("staged file %s is %s", f.OriginalFilename, f.Status)
	}
	info, err := os.Stat(f.Path)
	if err != nil {
		return f, fmt.Errorf("staged file missing: %w", err)
	}
	if !info.Mode().IsRegular() {
		return f, fmt.Errorf("staged path %s is not a regular file", f.Path)
	}
	f.Size = info.Size()
	return f, nil
}
