// Package mockfoundry implements enough of the Foundry dataset, stream-proxy,
// and compute-module runtime APIs to run the module end to end without a
// stack: file-backed datasets with transactions, stream records, and a
// polled job queue.
package mockfoundry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
)

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
}

// Upload records a file upload into a dataset transaction.
type Upload struct {
	DatasetRID string
	TxnID      string
	FilePath   string
	Bytes      []byte
}

// Job is one queued compute-module job.
type Job struct {
	JobID     string          `json:"jobId"`
	QueryType string          `json:"queryType"`
	Query     json.RawMessage `json:"query"`
}

type txnState struct {
	datasetRID string
	branch     string
	createdAt  time.Time
	committed  bool

	// files are staged uploads for the transaction keyed by file path.
	files map[string][]byte
}

// Server implements the mock Foundry surface. All state is in memory; an
// optional upload dir persists committed heads for inspection.
type Server struct {
	uploadDir string

	mu      sync.Mutex
	calls   []Call
	uploads []Upload

	expectedAuthorization string
	moduleAuthToken       string

	// files holds the committed view of each dataset.
	files map[string]map[string][]byte
	// lastCommit is the most recent committed transaction rid per dataset.
	lastCommit map[string]string
	txns       map[string]txnState
	txnOrder   []string

	streams map[string][]map[string]any

	jobs    *queue.Queue
	results map[string][]byte
}

// New constructs a mock server. uploadDir may be empty to disable on-disk
// persistence of committed heads.
func New(uploadDir string) *Server {
	return &Server{
		uploadDir:  uploadDir,
		files:      make(map[string]map[string][]byte),
		lastCommit: make(map[string]string),
		txns:       make(map[string]txnState),
		streams:    make(map[string][]map[string]any),
		jobs:       queue.New(),
		results:    make(map[string][]byte),
	}
}

// RequireBearerToken enforces that dataset and stream requests carry an
// Authorization header matching the token. Empty disables enforcement.
func (s *Server) RequireBearerToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token = strings.TrimSpace(token)
	if token == "" {
		s.expectedAuthorization = ""
		return
	}
	s.expectedAuthorization = "Bearer " + token
}

// SetModuleAuthToken enforces the Module-Auth-Token header on the module job
// endpoints. Empty disables enforcement.
func (s *Server) SetModuleAuthToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moduleAuthToken = strings.TrimSpace(token)
}

// SeedFile installs a file into a dataset's committed view.
func (s *Server) SeedFile(datasetRID, name string, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files[datasetRID] == nil {
		s.files[datasetRID] = make(map[string][]byte)
	}
	s.files[datasetRID][name] = append([]byte(nil), b...)
}

// SeedDir seeds datasets from dir, one subdirectory per dataset RID, each
// regular file becoming a dataset file.
func (s *Server) SeedDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read seed dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rid := entry.Name()
		files, err := os.ReadDir(filepath.Join(dir, rid))
		if err != nil {
			return fmt.Errorf("read seed dataset %s: %w", rid, err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			b, err := os.ReadFile(filepath.Join(dir, rid, f.Name()))
			if err != nil {
				return fmt.Errorf("read seed file %s/%s: %w", rid, f.Name(), err)
			}
			s.SeedFile(rid, f.Name(), b)
		}
	}
	return nil
}

// CreateStream registers a stream branch so probes succeed.
func (s *Server) CreateStream(streamRID, branch string) {
	if strings.TrimSpace(branch) == "" {
		branch = "master"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := streamKey(streamRID, branch)
	if _, ok := s.streams[key]; !ok {
		s.streams[key] = []map[string]any{}
	}
}

// StreamRecords returns a snapshot of records published to a stream branch.
func (s *Server) StreamRecords(streamRID, branch string) []map[string]any {
	if strings.TrimSpace(branch) == "" {
		branch = "master"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.streams[streamKey(streamRID, branch)]
	out := make([]map[string]any, len(recs))
	copy(out, recs)
	return out
}

// Files returns a snapshot of a dataset's committed view.
func (s *Server) Files(datasetRID string) map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.files[datasetRID]))
	for name, b := range s.files[datasetRID] {
		out[name] = append([]byte(nil), b...)
	}
	return out
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Uploads returns a snapshot of uploads made to the server.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Upload, len(s.uploads))
	copy(out, s.uploads)
	return out
}

// EnqueueJob queues one compute-module job and returns its id.
func (s *Server) EnqueueJob(queryType string, query any) (string, error) {
	raw, err := json.Marshal(query)
	if err != nil {
		return "", fmt.Errorf("encode job query: %w", err)
	}
	job := Job{
		JobID:     uuid.NewString(),
		QueryType: queryType,
		Query:     raw,
	}
	s.mu.Lock()
	s.jobs.Add(job)
	s.mu.Unlock()
	return job.JobID, nil
}

// PendingJobs reports how many jobs are waiting to be fetched.
func (s *Server) PendingJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs.Length()
}

// ResultFor returns the posted result for a job, if any.
func (s *Server) ResultFor(jobID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.results[jobID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b...), true
}

// Handler returns an http.Handler that serves the mock API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/datasets/", s.handleV2Datasets)
	mux.HandleFunc("/stream-proxy/api/streams/", s.handleStreams)
	mux.HandleFunc("/module/job", s.handleGetJob)
	mux.HandleFunc("/module/results/", s.handlePostResult)
	mux.HandleFunc("/module/jobs", s.handleEnqueueJob)
	return mux
}

func (s *Server) recordCall(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	expected := s.expectedAuthorization
	s.mu.Unlock()

	if expected == "" {
		return true
	}
	if r.Header.Get("Authorization") != expected {
		writeConjureError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Default:Unauthorized")
		return false
	}
	return true
}

func (s *Server) authorizeModule(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	expected := s.moduleAuthToken
	s.mu.Unlock()

	if expected == "" {
		return true
	}
	if r.Header.Get("Module-Auth-Token") != expected {
		writeConjureError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Default:Unauthorized")
		return false
	}
	return true
}

func (s *Server) handleV2Datasets(w http.ResponseWriter, r *http.Request) {
	s.recordCall(r)
	if !s.authorize(w, r) {
		return
	}

	// /api/v2/datasets/{rid}/files
	// /api/v2/datasets/{rid}/files/{path...}/content
	// /api/v2/datasets/{rid}/files/{path...}/upload
	// /api/v2/datasets/{rid}/branches/{branch}
	// /api/v2/datasets/{rid}/transactions
	// /api/v2/datasets/{rid}/transactions/{txn}/commit
	// /api/v2/datasets/{rid}/readTable
	rest := strings.TrimPrefix(r.URL.Path, "/api/v2/datasets/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	rid := parts[0]
	if !isSafeToken(rid) {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "files" && r.Method == http.MethodGet:
		s.handleListFiles(w, rid)
	case len(parts) >= 3 && parts[1] == "files" && parts[len(parts)-1] == "content" && r.Method == http.MethodGet:
		s.handleGetFileContent(w, rid, strings.Join(parts[2:len(parts)-1], "/"))
	case len(parts) >= 3 && parts[1] == "files" && parts[len(parts)-1] == "upload" && r.Method == http.MethodPost:
		s.handleUpload(w, r, rid, strings.Join(parts[2:len(parts)-1], "/"))
	case len(parts) == 3 && parts[1] == "branches" && r.Method == http.MethodGet:
		s.handleGetBranch(w, rid, parts[2])
	case len(parts) == 2 && parts[1] == "transactions" && r.Method == http.MethodPost:
		s.handleCreateTransaction(w, r, rid)
	case len(parts) == 2 && parts[1] == "transactions" && r.Method == http.MethodGet:
		s.handleListTransactions(w, rid)
	case len(parts) == 4 && parts[1] == "transactions" && parts[3] == "commit" && r.Method == http.MethodPost:
		s.handleCommit(w, rid, parts[2])
	case len(parts) == 2 && parts[1] == "readTable" && r.Method == http.MethodGet:
		s.serveReadTableCSV(w, rid)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleListFiles(w http.ResponseWriter, rid string) {
	s.mu.Lock()
	names := make([]string, 0, len(s.files[rid]))
	for name := range s.files[rid] {
		names = append(names, name)
	}
	txn := s.lastCommit[rid]
	s.mu.Unlock()
	sort.Strings(names)

	type fileEntry struct {
		Path           string `json:"path"`
		TransactionRID string `json:"transactionRid,omitempty"`
		UpdatedTime    string `json:"updatedTime,omitempty"`
	}
	out := struct {
		Data          []fileEntry `json:"data"`
		NextPageToken string      `json:"nextPageToken,omitempty"`
	}{Data: make([]fileEntry, 0, len(names))}
	for _, name := range names {
		out.Data = append(out.Data, fileEntry{Path: name, TransactionRID: txn})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleGetFileContent(w http.ResponseWriter, rid, filePath string) {
	if !isSafeFilePath(filePath) {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}
	s.mu.Lock()
	b, ok := s.files[rid][filePath]
	s.mu.Unlock()
	if !ok {
		writeConjureError(w, http.StatusNotFound, "NOT_FOUND", "Catalog:FileNotFoundOnBranch")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(b)
}

func (s *Server) handleGetBranch(w http.ResponseWriter, rid, branch string) {
	s.mu.Lock()
	txn := s.lastCommit[rid]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"name":           branch,
		"branchId":       branch,
		"transactionRid": txn,
	})
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request, rid string) {
	if r.Body != nil {
		_, _ = io.Copy(io.Discard, r.Body)
	}

	s.mu.Lock()
	for _, id := range s.txnOrder {
		txn := s.txns[id]
		if txn.datasetRID == rid && !txn.committed {
			s.mu.Unlock()
			writeConjureError(w, http.StatusConflict, "CONFLICT", "OpenTransactionAlreadyExists")
			return
		}
	}
	txnID := "ri.foundry.main.transaction." + uuid.NewString()
	s.txns[txnID] = txnState{
		datasetRID: rid,
		branch:     r.URL.Query().Get("branchName"),
		createdAt:  time.Now().UTC(),
		files:      make(map[string][]byte),
	}
	s.txnOrder = append(s.txnOrder, txnID)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"rid": txnID})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, rid string) {
	type txnEntry struct {
		TransactionType string `json:"transactionType"`
		CreatedTime     string `json:"createdTime"`
		RID             string `json:"rid"`
		Status          string `json:"status"`
	}

	s.mu.Lock()
	var data []txnEntry
	// Reverse chronological, matching the documented ordering.
	for i := len(s.txnOrder) - 1; i >= 0; i-- {
		id := s.txnOrder[i]
		txn := s.txns[id]
		if txn.datasetRID != rid {
			continue
		}
		status := "OPEN"
		if txn.committed {
			status = "COMMITTED"
		}
		data = append(data, txnEntry{
			TransactionType: "SNAPSHOT",
			CreatedTime:     txn.createdAt.Format(time.RFC3339),
			RID:             id,
			Status:          status,
		})
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, rid, filePath string) {
	if !isSafeFilePath(filePath) {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}
	txnID := strings.TrimSpace(r.URL.Query().Get("transactionRid"))
	if txnID == "" {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}

	b, err := io.ReadAll(r.Body)
	if err != nil {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}

	s.mu.Lock()
	txn, ok := s.txns[txnID]
	if !ok || txn.datasetRID != rid {
		s.mu.Unlock()
		writeConjureError(w, http.StatusNotFound, "NOT_FOUND", "TransactionNotFound")
		return
	}
	if txn.committed {
		s.mu.Unlock()
		writeConjureError(w, http.StatusConflict, "CONFLICT", "TransactionNotOpen")
		return
	}
	txn.files[filePath] = b
	s.txns[txnID] = txn
	s.uploads = append(s.uploads, Upload{
		DatasetRID: rid,
		TxnID:      txnID,
		FilePath:   filePath,
		Bytes:      b,
	})
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCommit(w http.ResponseWriter, rid, txnID string) {
	s.mu.Lock()
	txn, ok := s.txns[txnID]
	if !ok || txn.datasetRID != rid {
		s.mu.Unlock()
		writeConjureError(w, http.StatusNotFound, "NOT_FOUND", "TransactionNotFound")
		return
	}
	if txn.committed {
		s.mu.Unlock()
		writeConjureError(w, http.StatusConflict, "CONFLICT", "TransactionNotOpen")
		return
	}
	if len(txn.files) == 0 {
		s.mu.Unlock()
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}

	// SNAPSHOT semantics: the committed files replace the dataset view.
	head := make(map[string][]byte, len(txn.files))
	for name, b := range txn.files {
		head[name] = append([]byte(nil), b...)
	}
	txn.committed = true
	s.txns[txnID] = txn
	s.files[rid] = head
	s.lastCommit[rid] = txnID
	uploadDir := s.uploadDir
	s.mu.Unlock()

	if uploadDir != "" {
		for name, b := range head {
			dst := filepath.Join(uploadDir, rid, "_committed", filepath.FromSlash(name))
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				writeConjureError(w, http.StatusInternalServerError, "INTERNAL", "Default:Internal")
				return
			}
			if err := os.WriteFile(dst, b, 0o644); err != nil {
				writeConjureError(w, http.StatusInternalServerError, "INTERNAL", "Default:Internal")
				return
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"committed"}`))
}

// serveReadTableCSV serves the tabular view of a dataset: report.csv when
// present, otherwise the head's only CSV file.
func (s *Server) serveReadTableCSV(w http.ResponseWriter, rid string) {
	s.mu.Lock()
	head := s.files[rid]
	var b []byte
	ok := false
	if rb, has := head["report.csv"]; has {
		b, ok = rb, true
	} else {
		var csvs [][]byte
		for name, fb := range head {
			if strings.EqualFold(filepath.Ext(name), ".csv") {
				csvs = append(csvs, fb)
			}
		}
		if len(csvs) == 1 {
			b, ok = csvs[0], true
		}
	}
	s.mu.Unlock()

	if !ok {
		writeConjureError(w, http.StatusNotFound, "NOT_FOUND", "Catalog:DatasetNotFound")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	_, _ = w.Write(b)
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	s.recordCall(r)
	if !s.authorize(w, r) {
		return
	}

	// /stream-proxy/api/streams/{rid}/branches/{branch}/records
	// /stream-proxy/api/streams/{rid}/branches/{branch}/jsonRecord
	rest := strings.TrimPrefix(r.URL.Path, "/stream-proxy/api/streams/")
	parts := strings.Split(rest, "/")
	if len(parts) != 4 || parts[1] != "branches" {
		http.NotFound(w, r)
		return
	}
	key := streamKey(parts[0], parts[2])

	switch {
	case parts[3] == "records" && r.Method == http.MethodGet:
		s.mu.Lock()
		recs, ok := s.streams[key]
		out := make([]map[string]any, len(recs))
		copy(out, recs)
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"records": out})
	case parts[3] == "jsonRecord" && r.Method == http.MethodPost:
		var rec map[string]any
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
			return
		}
		s.mu.Lock()
		_, ok := s.streams[key]
		if ok {
			s.streams[key] = append(s.streams[key], rec)
		}
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	s.recordCall(r)
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorizeModule(w, r) {
		return
	}

	s.mu.Lock()
	if s.jobs.Length() == 0 {
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	job := s.jobs.Remove().(Job)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"computeModuleJobV1": job})
}

func (s *Server) handlePostResult(w http.ResponseWriter, r *http.Request) {
	s.recordCall(r)
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorizeModule(w, r) {
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/module/results/")
	if !isSafeToken(jobID) {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}
	b, err := io.ReadAll(r.Body)
	if err != nil {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}

	s.mu.Lock()
	s.results[jobID] = b
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// handleEnqueueJob lets external harnesses inject jobs over HTTP.
func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	s.recordCall(r)
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		QueryType string          `json:"queryType"`
		Query     json.RawMessage `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.QueryType) == "" {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}

	jobID, err := s.EnqueueJob(req.QueryType, req.Query)
	if err != nil {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"jobId": jobID})
}

func writeConjureError(w http.ResponseWriter, status int, code, name string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"errorCode":       code,
		"errorName":       name,
		"errorInstanceId": uuid.NewString(),
	})
}

func streamKey(rid, branch string) string {
	return rid + "/" + branch
}

func isSafeToken(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, "/\\")
}

func isSafeFilePath(p string) bool {
	if p == "" {
		return false
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	parts := strings.Split(p, "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
