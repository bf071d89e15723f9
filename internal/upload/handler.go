// Package upload implements the byte-counted video upload side channel. The
// coordination core treats it as an external collaborator: it only feeds
// upload-progress events to the uploading connection and hands back a URL
// the host then announces through video-uploaded.
package upload

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go-watchparty/internal/party"
)

const maxUploadSize = 2 << 30 // 2 GB

// Notifier is the unicast surface needed to report progress.
type Notifier interface {
	SendTo(connID string, payload []byte) bool
}

// Handler accepts multipart video uploads and streams progress to the
// uploading connection, identified by the X-Socket-ID header.
type Handler struct {
	dir      string
	baseURL  string
	notifier Notifier

	mu       sync.Mutex
	progress map[string]int // connID -> last reported percentage
}

func NewHandler(dir, baseURL string, notifier Notifier) (*Handler, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Handler{
		dir:      dir,
		baseURL:  strings.TrimRight(baseURL, "/"),
		notifier: notifier,
		progress: make(map[string]int),
	}, nil
}

// Arm resets progress tracking for a connection (the start-upload event).
func (h *Handler) Arm(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress[connID] = 0
}

// Forget clears tracking state when a connection goes away.
func (h *Handler) Forget(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.progress, connID)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connID := r.Header.Get("X-Socket-ID")
	if connID == "" {
		writeError(w, http.StatusBadRequest, "Socket ID is required")
		return
	}
	total := r.ContentLength
	if total <= 0 {
		writeError(w, http.StatusBadRequest, "Content-Length header is required")
		return
	}

	// Count bytes as the multipart parser consumes the body, so progress
	// reflects actual network transfer.
	r.Body = &progressReader{
		rc:    http.MaxBytesReader(w, r.Body, maxUploadSize),
		total: total,
		report: func(uploaded int64) {
			h.report(connID, uploaded, total)
		},
	}

	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No video file uploaded")
		return
	}
	defer file.Close()

	if !strings.HasPrefix(header.Header.Get("Content-Type"), "video/") {
		writeError(w, http.StatusBadRequest, "Not a video file")
		return
	}

	name := fmt.Sprintf("%d-%s", time.Now().UnixMilli(), filepath.Base(header.Filename))
	dst, err := os.Create(filepath.Join(h.dir, name))
	if err != nil {
		log.Printf("upload create: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to store file")
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		log.Printf("upload copy: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to store file")
		return
	}

	url := fmt.Sprintf("%s/uploads/%s", h.baseURL, name)
	log.Printf("upload complete: %s", url)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"url": url})
}

// report unicasts upload-progress whenever the integer percentage moves.
func (h *Handler) report(connID string, uploaded, total int64) {
	percent := int(uploaded * 100 / total)

	h.mu.Lock()
	last, tracked := h.progress[connID]
	if tracked && last == percent {
		h.mu.Unlock()
		return
	}
	h.progress[connID] = percent
	h.mu.Unlock()

	h.notifier.SendTo(connID, party.Encode(party.EventUploadProgress, party.UploadProgress{
		Progress: percent,
		Uploaded: uploaded,
		Total:    total,
	}))
}

type progressReader struct {
	rc       io.ReadCloser
	total    int64
	uploaded int64
	report   func(uploaded int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.rc.Read(b)
	if n > 0 {
		p.uploaded += int64(n)
		p.report(p.uploaded)
	}
	return n, err
}

func (p *progressReader) Close() error {
	return p.rc.Close()
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
