// Package bridgetest provides an in-memory bridge for tests.
package bridgetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"gogenaro/crypto"
	"gogenaro/models"
	"gogenaro/network"
)

// Server is an httptest bridge holding buckets and files in memory.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	buckets  map[string]*bucket
	order    []string
	failures []int
	requests int
	nextID   int
	gate     chan struct{}

	// RequireSignature rejects requests without a valid signature with 401.
	RequireSignature bool
}

type bucket struct {
	info  models.Bucket
	files map[string]*file
	order []string
}

type file struct {
	info    models.File
	content []byte
}

// New starts a bridge server. Callers must Close it.
func New() *Server {
	s := &Server{buckets: make(map[string]*bucket)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleInfo)
	mux.HandleFunc("GET /buckets", s.handleListBuckets)
	mux.HandleFunc("POST /buckets", s.handleCreateBucket)
	mux.HandleFunc("DELETE /buckets/{bucket}", s.handleDeleteBucket)
	mux.HandleFunc("PATCH /buckets/{bucket}", s.handleRenameBucket)
	mux.HandleFunc("GET /buckets/{bucket}/files", s.handleListFiles)
	mux.HandleFunc("PUT /buckets/{bucket}/files", s.handleUpload)
	mux.HandleFunc("GET /buckets/{bucket}/files/{file}", s.handleDownload)
	mux.HandleFunc("DELETE /buckets/{bucket}/files/{file}", s.handleDeleteFile)

	s.Server = httptest.NewServer(s.middleware(mux))
	return s
}

// FailNext makes the next len(codes) requests fail with the given statuses.
func (s *Server) FailNext(codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, codes...)
}

// Requests returns how many requests reached the server.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// BlockDownloads makes downloads stall after their first byte until release
// is called or the client goes away.
func (s *Server) BlockDownloads() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { close(gate) })
	}
}

// AddBucket seeds a bucket whose stored name is name.
func (s *Server) AddBucket(name string) models.Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addBucketLocked(name)
}

// AddFile seeds a file with raw (already encrypted) content.
func (s *Server) AddFile(bucketID, storedName string, content []byte, index string) (models.File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucketID]
	if !ok {
		return models.File{}, false
	}
	return s.addFileLocked(b, storedName, content, index), true
}

// FileContent returns the stored (encrypted) bytes of a file.
func (s *Server) FileContent(bucketID, fileID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucketID]
	if !ok {
		return nil, false
	}
	f, ok := b.files[fileID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.content...), true
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests++
		var fail int
		if len(s.failures) > 0 {
			fail = s.failures[0]
			s.failures = s.failures[1:]
		}
		requireSignature := s.RequireSignature
		s.mu.Unlock()

		if fail != 0 {
			writeError(w, fail, "injected failure")
			return
		}
		if requireSignature && !crypto.VerifyRequest(
			r.Header.Get(crypto.HeaderPublicKey),
			r.Method,
			r.URL.EscapedPath(),
			r.Header.Get(crypto.HeaderNonce),
			r.Header.Get(crypto.HeaderSignature),
		) {
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.BridgeInfo{
		Title:       "Genaro Bridge",
		Description: "in-memory test bridge",
		Version:     "1.0.0",
		Host:        r.Host,
	})
}

func (s *Server) handleListBuckets(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make([]models.Bucket, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.buckets[id].info)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request) {
	var req network.BucketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "bucket name is required")
		return
	}
	s.mu.Lock()
	created := s.addBucketLocked(req.Name)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("bucket")
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[id]; !ok {
		writeError(w, http.StatusNotFound, "bucket not found")
		return
	}
	delete(s.buckets, id)
	s.order = without(s.order, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenameBucket(w http.ResponseWriter, r *http.Request) {
	var req network.BucketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "bucket name is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[r.PathValue("bucket")]
	if !ok {
		writeError(w, http.StatusNotFound, "bucket not found")
		return
	}
	b.info.Name = req.Name
	writeJSON(w, http.StatusOK, b.info)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	b, ok := s.buckets[r.PathValue("bucket")]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "bucket not found")
		return
	}
	out := make([]models.File, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.files[id].info)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	name := r.Header.Get(network.HeaderFileName)
	if name == "" {
		writeError(w, http.StatusBadRequest, "file name is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[r.PathValue("bucket")]
	if !ok {
		writeError(w, http.StatusNotFound, "bucket not found")
		return
	}
	created := s.addFileLocked(b, name, content, r.Header.Get(network.HeaderIndex))
	stored := b.files[created.ID]
	stored.info.RSAKey = r.Header.Get(network.HeaderRSAKey)
	stored.info.RSACtr = r.Header.Get(network.HeaderRSACtr)
	writeJSON(w, http.StatusOK, network.UploadResponse{ID: created.ID})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	var content []byte
	var index string
	found := false
	if b, ok := s.buckets[r.PathValue("bucket")]; ok {
		if f, ok := b.files[r.PathValue("file")]; ok {
			content, index, found = f.content, f.info.Index, true
		}
	}
	gate := s.gate
	s.mu.Unlock()

	if !found {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.Header().Set(network.HeaderIndex, index)
	w.WriteHeader(http.StatusOK)

	if gate == nil || len(content) == 0 {
		_, _ = w.Write(content)
		return
	}
	_, _ = w.Write(content[:1])
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	select {
	case <-gate:
		_, _ = w.Write(content[1:])
	case <-r.Context().Done():
	}
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[r.PathValue("bucket")]
	if !ok {
		writeError(w, http.StatusNotFound, "bucket not found")
		return
	}
	id := r.PathValue("file")
	if _, ok := b.files[id]; !ok {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	delete(b.files, id)
	b.order = without(b.order, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addBucketLocked(name string) models.Bucket {
	s.nextID++
	now := time.Now().UTC()
	info := models.Bucket{
		ID:           fmt.Sprintf("bucket-%d", s.nextID),
		Name:         name,
		Created:      now.Format(time.RFC3339),
		LimitStorage: 1 << 30,
		TimeStart:    now.UnixMilli(),
		TimeEnd:      now.Add(365 * 24 * time.Hour).UnixMilli(),
	}
	s.buckets[info.ID] = &bucket{info: info, files: make(map[string]*file)}
	s.order = append(s.order, info.ID)
	return info
}

func (s *Server) addFileLocked(b *bucket, storedName string, content []byte, index string) models.File {
	s.nextID++
	info := models.File{
		ID:       fmt.Sprintf("file-%d", s.nextID),
		BucketID: b.info.ID,
		Filename: storedName,
		Mimetype: "application/octet-stream",
		Size:     int64(len(content)),
		Index:    index,
		Created:  time.Now().UTC().Format(time.RFC3339),
	}
	b.files[info.ID] = &file{info: info, content: append([]byte(nil), content...)}
	b.order = append(b.order, info.ID)
	b.info.UsedStorage += info.Size
	return info
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, network.ErrorBody{Error: message})
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
