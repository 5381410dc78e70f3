// Package transfer implements single-file upload and download with
// last-write-wins resolution on modification time.
package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BadgerOps/lansync/internal/metrics"
	"github.com/BadgerOps/lansync/internal/safety"
	"github.com/BadgerOps/lansync/internal/store"
)

var (
	// ErrBadRequest is returned for missing file names, missing bodies and
	// empty or oversized payloads.
	ErrBadRequest = errors.New("bad request")
	// ErrNotFound is returned when the file is absent, empty, a directory, or
	// holds nothing but an error message.
	ErrNotFound = errors.New("file not found")
	// ErrReadFailure is returned when a stored file cannot be read.
	ErrReadFailure = errors.New("unable to read file")
)

// Journal records transfer outcomes. *store.Store satisfies it.
type Journal interface {
	RecordTransfer(t *store.TransferRecord) error
}

// UploadRequest is one incoming file.
type UploadRequest struct {
	Filename   string
	CustomPath string
	Body       io.Reader
	// ClientTime is the sender's modification time. Zero means not supplied.
	ClientTime time.Time
	Remote     string
}

// UploadResult reports where the file went. Skipped is set when the stored
// copy was already as new as the client's.
type UploadResult struct {
	Path    string
	Size    int64
	Skipped bool
}

// DownloadRequest asks for one stored file.
type DownloadRequest struct {
	Filename   string
	CustomPath string
	// ClientTime is the requester's modification time. Zero means not supplied.
	ClientTime time.Time
	Remote     string
}

// DownloadResult carries the file content. When UpToDate is set the caller
// already has a copy at least as new and Content is nil.
type DownloadResult struct {
	Name     string
	Path     string
	Content  []byte
	Size     int64
	ModTime  time.Time
	UpToDate bool
}

// Service performs transfers inside the directories a Resolver allows.
type Service struct {
	resolver  *safety.Resolver
	journal   Journal
	maxUpload int64
	logger    *slog.Logger
}

// New creates a transfer service. journal may be nil. A maxUpload of zero
// disables the size limit.
func New(resolver *safety.Resolver, journal Journal, maxUpload int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		resolver:  resolver,
		journal:   journal,
		maxUpload: maxUpload,
		logger:    logger,
	}
}

// Upload stores req.Body under the resolved directory unless an existing
// copy is at least as new as req.ClientTime.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	rec := &store.TransferRecord{
		Direction:  store.DirectionUpload,
		Filename:   req.Filename,
		ClientTime: req.ClientTime,
		Remote:     req.Remote,
	}

	name := safety.BaseName(req.Filename)
	if name == "" {
		return nil, s.reject(rec, fmt.Errorf("%w: filename is required", ErrBadRequest))
	}
	if req.Body == nil {
		return nil, s.reject(rec, fmt.Errorf("%w: no file part", ErrBadRequest))
	}
	rec.Filename = name

	// Empty payloads are rejected before the existing copy is consulted.
	body := bufio.NewReader(req.Body)
	if _, err := body.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, s.reject(rec, fmt.Errorf("%w: file is empty", ErrBadRequest))
		}
		return nil, s.failed(rec, fmt.Errorf("failed to read upload: %w", err))
	}

	dir := s.resolver.Resolve(req.CustomPath, name)
	rec.Directory = dir
	target, err := targetPath(dir, name)
	if err != nil {
		return nil, s.reject(rec, err)
	}

	if !req.ClientTime.IsZero() {
		if info, err := os.Stat(target); err == nil && info.Mode().IsRegular() && !info.ModTime().Before(req.ClientTime) {
			s.logger.Info("upload skipped, existing file is newer or same",
				"file", name, "path", target, "existing", info.ModTime(), "client", req.ClientTime)
			rec.Outcome = store.OutcomeSkipped
			rec.Size = info.Size()
			s.finish(rec)
			return &UploadResult{Path: target, Size: info.Size(), Skipped: true}, nil
		}
	}

	size, err := s.writeFile(ctx, target, body)
	if err != nil {
		if errors.Is(err, ErrBadRequest) {
			return nil, s.reject(rec, err)
		}
		rec.Outcome = store.OutcomeFailed
		rec.Detail = err.Error()
		s.finish(rec)
		return nil, err
	}

	if !req.ClientTime.IsZero() {
		if err := os.Chtimes(target, req.ClientTime, req.ClientTime); err != nil {
			s.logger.Warn("failed to set modification time", "path", target, "error", err)
		}
	}

	s.logger.Info("file received", "file", name, "requested", req.CustomPath, "path", target, "size", size)
	rec.Outcome = store.OutcomeStored
	rec.Size = size
	s.finish(rec)
	return &UploadResult{Path: target, Size: size}, nil
}

// writeFile copies body into a temp file next to the target and renames it
// into place, so readers never see a partial file.
func (s *Service) writeFile(ctx context.Context, target string, body io.Reader) (int64, error) {
	dir, name := filepath.Split(target)
	tmp, err := os.CreateTemp(dir, "."+name+".*.part")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	src := body
	if s.maxUpload > 0 {
		src = io.LimitReader(body, s.maxUpload+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", name, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: file is empty", ErrBadRequest)
	}
	if s.maxUpload > 0 && n > s.maxUpload {
		return 0, fmt.Errorf("%w: file exceeds %d bytes", ErrBadRequest, s.maxUpload)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := os.Chmod(tmpPath, 0644); err != nil {
		return 0, fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return 0, fmt.Errorf("failed to move %s into place: %w", name, err)
	}
	return n, nil
}

// Download returns the stored file unless the requester is already up to
// date or the file fails the content check.
func (s *Service) Download(ctx context.Context, req DownloadRequest) (*DownloadResult, error) {
	rec := &store.TransferRecord{
		Direction:  store.DirectionDownload,
		Filename:   req.Filename,
		ClientTime: req.ClientTime,
		Remote:     req.Remote,
	}

	name := safety.BaseName(req.Filename)
	if name == "" {
		return nil, s.reject(rec, fmt.Errorf("%w: filename is required", ErrBadRequest))
	}
	rec.Filename = name

	dir := s.resolver.Resolve(req.CustomPath, name)
	rec.Directory = dir
	path, err := targetPath(dir, name)
	if err != nil {
		return nil, s.reject(rec, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Info("download of missing file", "path", path)
			return nil, s.missing(rec, fmt.Errorf("%w: %s", ErrNotFound, name))
		}
		return nil, s.failed(rec, fmt.Errorf("%w: %v", ErrReadFailure, err))
	}
	if !info.Mode().IsRegular() {
		return nil, s.missing(rec, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, name))
	}
	if info.Size() == 0 {
		s.logger.Info("zero-byte file not sent", "path", path)
		return nil, s.missing(rec, fmt.Errorf("%w: %s is empty", ErrNotFound, name))
	}

	if !req.ClientTime.IsZero() && !info.ModTime().After(req.ClientTime) {
		s.logger.Info("download not needed, client has newer or same file",
			"file", name, "server", info.ModTime(), "client", req.ClientTime)
		rec.Outcome = store.OutcomeUpToDate
		s.finish(rec)
		return &DownloadResult{Name: name, Path: path, ModTime: info.ModTime(), UpToDate: true}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		s.logger.Error("failed to read file", "path", path, "error", err)
		return nil, s.failed(rec, fmt.Errorf("%w: %v", ErrReadFailure, err))
	}

	if looksLikeErrorPage(content) {
		s.logger.Warn("file holds only error content", "path", path)
		return nil, s.missing(rec, fmt.Errorf("%w: %s holds an error message", ErrNotFound, name))
	}

	s.logger.Info("file served", "file", name, "requested", req.CustomPath, "path", path, "size", len(content))
	rec.Outcome = store.OutcomeServed
	rec.Size = int64(len(content))
	s.finish(rec)
	return &DownloadResult{
		Name:    name,
		Path:    path,
		Content: content,
		Size:    int64(len(content)),
		ModTime: info.ModTime(),
	}, nil
}

// ModTime returns the modification time of a stored file.
func (s *Service) ModTime(filename, customPath string) (time.Time, error) {
	name := safety.BaseName(filename)
	if name == "" {
		return time.Time{}, fmt.Errorf("%w: filename is required", ErrBadRequest)
	}

	path, err := targetPath(s.resolver.Resolve(customPath, name), name)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return time.Time{}, fmt.Errorf("%w: %v", ErrReadFailure, err)
	}
	if info.IsDir() {
		return time.Time{}, fmt.Errorf("%w: %s is a directory", ErrNotFound, name)
	}
	return info.ModTime(), nil
}

// Root returns the sandbox root directory.
func (s *Service) Root() string {
	return s.resolver.Base()
}

// targetPath joins a resolved directory and a base name, refusing anything
// that would land outside dir.
func targetPath(dir, name string) (string, error) {
	path, err := safety.EnsureUnderRoot(dir, filepath.Join(dir, name))
	if err != nil || filepath.Dir(path) != filepath.Clean(dir) {
		return "", fmt.Errorf("%w: invalid filename %q", ErrBadRequest, name)
	}
	return path, nil
}

func (s *Service) reject(rec *store.TransferRecord, err error) error {
	rec.Outcome = store.OutcomeRejected
	rec.Detail = err.Error()
	s.finish(rec)
	return err
}

func (s *Service) missing(rec *store.TransferRecord, err error) error {
	rec.Outcome = store.OutcomeNotFound
	rec.Detail = err.Error()
	s.finish(rec)
	return err
}

func (s *Service) failed(rec *store.TransferRecord, err error) error {
	rec.Outcome = store.OutcomeFailed
	rec.Detail = err.Error()
	s.finish(rec)
	return err
}

// finish updates metrics and writes the journal entry. Journal failures are
// logged and never fail the transfer.
func (s *Service) finish(rec *store.TransferRecord) {
	var served int64
	if rec.Outcome == store.OutcomeStored || rec.Outcome == store.OutcomeServed {
		served = rec.Size
	}
	if rec.Direction == store.DirectionUpload {
		metrics.RecordUpload(rec.Outcome, served)
	} else {
		metrics.RecordDownload(rec.Outcome, served)
	}

	if s.journal == nil {
		return
	}
	if err := s.journal.RecordTransfer(rec); err != nil {
		s.logger.Warn("failed to journal transfer", "file", rec.Filename, "error", err)
	}
}
