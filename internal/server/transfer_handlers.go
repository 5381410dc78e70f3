package server

import (
	"bytes"
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/BadgerOps/lansync/internal/transfer"
)

// mtimeHeader carries the stored file's modification time on downloads.
const mtimeHeader = "X-File-Mtime"

// multipartMemory is how much of an upload is buffered in memory before
// spilling to a temp file.
const multipartMemory = 32 << 20

// zstdEncoder is shared; EncodeAll is safe for concurrent use.
var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))

// handleFileMtime returns the modification time of a stored file as decimal
// epoch seconds.
func (s *Server) handleFileMtime(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mtime, err := s.transfers.ModTime(q.Get("filename"), q.Get("custom_path"))
	if err != nil {
		s.transferError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(transfer.FormatModTime(mtime)))
}

// handleUpload stores a multipart "file" part. The client time comes from
// the "time" form field, falling back to the query string.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if max := s.config.Server.MaxUploadSize; max > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, max+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "File is too large.", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "No file part.", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "No file part.", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if header.Filename == "" {
		http.Error(w, "No selected file.", http.StatusBadRequest)
		return
	}

	timeStr := ""
	if v := r.MultipartForm.Value["time"]; len(v) > 0 && v[0] != "" {
		timeStr = v[0]
	} else {
		timeStr = r.URL.Query().Get("time")
	}
	clientTime, _ := transfer.ParseTime(timeStr)

	res, err := s.transfers.Upload(r.Context(), transfer.UploadRequest{
		Filename:   header.Filename,
		CustomPath: r.URL.Query().Get("custom_path"),
		Body:       file,
		ClientTime: clientTime,
		Remote:     r.RemoteAddr,
	})
	if err != nil {
		s.transferError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if res.Skipped {
		w.Write([]byte("Existing file is newer or same, upload skipped."))
		return
	}
	w.Write([]byte("File uploaded successfully."))
}

// handleDownload serves a stored file unless the client is up to date.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientTime, _ := transfer.ParseTime(q.Get("time"))

	res, err := s.transfers.Download(r.Context(), transfer.DownloadRequest{
		Filename:   r.PathValue("filename"),
		CustomPath: q.Get("custom_path"),
		ClientTime: clientTime,
		Remote:     r.RemoteAddr,
	})
	if err != nil {
		s.transferError(w, err)
		return
	}
	if res.UpToDate {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set(mtimeHeader, transfer.FormatModTime(res.ModTime))
	w.Header().Set("Vary", "Accept-Encoding")

	if acceptsZstd(r) && r.Header.Get("Range") == "" {
		ctype := mime.TypeByExtension(filepath.Ext(res.Name))
		if ctype == "" {
			ctype = http.DetectContentType(res.Content)
		}
		w.Header().Set("Content-Type", ctype)
		w.Header().Set("Content-Encoding", "zstd")
		w.Header().Set("Last-Modified", res.ModTime.UTC().Format(http.TimeFormat))
		w.Write(zstdEncoder.EncodeAll(res.Content, nil))
		return
	}

	http.ServeContent(w, r, res.Name, res.ModTime, bytes.NewReader(res.Content))
}

// handleGetDirectory reports the sandbox root.
func (s *Server) handleGetDirectory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"directory": s.transfers.Root()})
}

func (s *Server) handleGetDeviceName(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"name": s.device.DeviceName()})
}

func (s *Server) handleEnvironment(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "success",
		"environment": s.device.Environment(),
	})
}

// transferError maps transfer errors onto status codes with a plain text
// body.
func (s *Server) transferError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transfer.ErrBadRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, transfer.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, transfer.ErrReadFailure):
		http.Error(w, "Unable to read file.", http.StatusInternalServerError)
	default:
		s.logger.Error("transfer failed", "error", err)
		http.Error(w, "Internal server error.", http.StatusInternalServerError)
	}
}

func acceptsZstd(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(enc, "zstd") {
			return true
		}
	}
	return false
}
