// Package remotetest provides an in-process git-data API server for tests.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/odvcencio/treepush/pkg/encode"
	"github.com/odvcencio/treepush/pkg/object"
	"github.com/odvcencio/treepush/pkg/remote"
)

// Route names used by Calls and Fail.
const (
	RouteCreateBlob   = "POST /git/blobs"
	RouteCreateTree   = "POST /git/trees"
	RouteGetRef       = "GET /git/ref"
	RouteCreateCommit = "POST /git/commits"
	RouteUpdateRef    = "PATCH /git/refs"
	RouteCreateRef    = "POST /git/refs"
)

// Server is a fake git-data API backed by a remote.DirStore.
type Server struct {
	*httptest.Server
	Store *remote.DirStore
	Owner string
	Repo  string

	// Token, when set, is required as a bearer credential.
	Token string
	// DuplicateBlobs answers 422 for blobs that already exist.
	DuplicateBlobs bool
	// OmitDuplicateSHA drops the digest from duplicate blob responses.
	OmitDuplicateSHA bool

	mu       sync.Mutex
	calls    map[string]int
	fail     map[string][]int
	failPath map[string]int
	commits  []CommitRequest
	trees    [][]TreeEntryRequest
}

// TreeEntryRequest is one entry of a received create-tree call.
type TreeEntryRequest struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
}

// IdentityRequest is an author or committer of a received commit.
type IdentityRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Date  string `json:"date"`
}

// CommitRequest is a received create-commit call.
type CommitRequest struct {
	Message   string           `json:"message"`
	Tree      string           `json:"tree"`
	Parents   []string         `json:"parents"`
	Author    *IdentityRequest `json:"author"`
	Committer *IdentityRequest `json:"committer"`
	Signature string           `json:"signature"`
}

// NewServer starts a server for owner/repo. It is closed when t finishes.
func NewServer(t testing.TB, owner, repo string) *Server {
	t.Helper()
	s := &Server{
		Store:    remote.NewDirStore(t.TempDir(), remote.DirStoreOptions{}),
		Owner:    owner,
		Repo:     repo,
		calls:    make(map[string]int),
		fail:     make(map[string][]int),
		failPath: make(map[string]int),
	}

	prefix := "/repos/{owner}/{repo}"
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+prefix+"/git/blobs", s.handleCreateBlob)
	mux.HandleFunc("POST "+prefix+"/git/trees", s.handleCreateTree)
	mux.HandleFunc("GET "+prefix+"/git/ref/{ref...}", s.handleGetRef)
	mux.HandleFunc("POST "+prefix+"/git/commits", s.handleCreateCommit)
	mux.HandleFunc("PATCH "+prefix+"/git/refs/{ref...}", s.handleUpdateRef)
	mux.HandleFunc("POST "+prefix+"/git/refs", s.handleCreateRef)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Server.Close)
	return s
}

// RemoteURL returns the repository endpoint for remote.ParseEndpoint.
func (s *Server) RemoteURL() string {
	return s.Server.URL + "/repos/" + s.Owner + "/" + s.Repo
}

// Calls returns how many requests reached route.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// Fail queues statuses returned by the next requests to route, in order.
func (s *Server) Fail(route string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[route] = append(s.fail[route], statuses...)
}

// FailBlob makes every create-blob call whose content equals data answer
// with status.
func (s *Server) FailBlob(data []byte, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPath[string(object.HashBlob(data))] = status
}

// Commits returns the received create-commit calls.
func (s *Server) Commits() []CommitRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CommitRequest(nil), s.commits...)
}

// Trees returns the received create-tree calls.
func (s *Server) Trees() [][]TreeEntryRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]TreeEntryRequest(nil), s.trees...)
}

// SetRef points ref at h directly in the backing store.
func (s *Server) SetRef(t testing.TB, ref string, h object.Hash) {
	t.Helper()
	if err := s.Store.UpdateReference(context.Background(), ref, h, true); err != nil {
		t.Fatalf("set ref %s: %v", ref, err)
	}
}

// Ref resolves ref in the backing store.
func (s *Server) Ref(t testing.TB, ref string) (object.Hash, bool) {
	t.Helper()
	h, ok, err := s.Store.ResolveReference(context.Background(), ref)
	if err != nil {
		t.Fatalf("resolve ref %s: %v", ref, err)
	}
	return h, ok
}

// begin counts the request and reports whether it was answered already.
func (s *Server) begin(w http.ResponseWriter, r *http.Request, route string) bool {
	s.mu.Lock()
	s.calls[route]++
	status := 0
	if queued := s.fail[route]; len(queued) > 0 {
		status = queued[0]
		s.fail[route] = queued[1:]
	}
	s.mu.Unlock()

	if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
		writeError(w, http.StatusUnauthorized, "Bad credentials")
		return true
	}
	if r.PathValue("owner") != s.Owner || r.PathValue("repo") != s.Repo {
		writeError(w, http.StatusNotFound, "Not Found")
		return true
	}
	if status != 0 {
		writeError(w, status, fmt.Sprintf("injected failure %d", status))
		return true
	}
	return false
}

func (s *Server) handleCreateBlob(w http.ResponseWriter, r *http.Request) {
	if s.begin(w, r, RouteCreateBlob) {
		return
	}
	var req struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	blob := &encode.Blob{Info: encode.Info{Path: "upload"}, Encoding: req.Encoding, Content: req.Content}
	data, err := blob.Decode()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h := object.HashBlob(data)

	s.mu.Lock()
	status, failing := s.failPath[string(h)]
	s.mu.Unlock()
	if failing {
		writeError(w, status, "injected blob failure")
		return
	}

	existed := s.Store.Has(h)
	if _, err := s.Store.CreateBlob(r.Context(), blob); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existed && s.DuplicateBlobs {
		if s.OmitDuplicateSHA {
			writeError(w, http.StatusUnprocessableEntity, "Blob already exists")
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Blob already exists", "sha": string(h)})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sha": string(h)})
}

func (s *Server) handleCreateTree(w http.ResponseWriter, r *http.Request) {
	if s.begin(w, r, RouteCreateTree) {
		return
	}
	var req struct {
		Tree []TreeEntryRequest `json:"tree"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	s.mu.Lock()
	s.trees = append(s.trees, req.Tree)
	s.mu.Unlock()

	entries := make([]object.TreeEntry, 0, len(req.Tree))
	for _, e := range req.Tree {
		entries = append(entries, object.TreeEntry{
			Path: e.Path,
			Mode: e.Mode,
			Type: object.ObjectType(e.Type),
			Hash: object.Hash(e.SHA),
		})
	}
	h, err := s.Store.CreateTree(r.Context(), entries)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sha": string(h)})
}

func (s *Server) handleGetRef(w http.ResponseWriter, r *http.Request) {
	if s.begin(w, r, RouteGetRef) {
		return
	}
	ref := r.PathValue("ref")
	h, ok, err := s.Store.ResolveReference(r.Context(), ref)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ref":    "refs/" + strings.TrimPrefix(ref, "refs/"),
		"object": map[string]string{"sha": string(h), "type": "commit"},
	})
}

func (s *Server) handleCreateCommit(w http.ResponseWriter, r *http.Request) {
	if s.begin(w, r, RouteCreateCommit) {
		return
	}
	var req CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	if req.Parents == nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid request: parents is required")
		return
	}
	s.mu.Lock()
	s.commits = append(s.commits, req)
	s.mu.Unlock()

	c := &object.Commit{Message: req.Message, Tree: object.Hash(req.Tree), Signature: req.Signature}
	for _, p := range req.Parents {
		c.Parents = append(c.Parents, object.Hash(p))
	}
	var err error
	if c.Author, err = parseIdentity(req.Author); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if c.Committer, err = parseIdentity(req.Committer); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h, err := s.Store.CreateCommit(r.Context(), c)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sha": string(h)})
}

func (s *Server) handleUpdateRef(w http.ResponseWriter, r *http.Request) {
	if s.begin(w, r, RouteUpdateRef) {
		return
	}
	ref := r.PathValue("ref")
	var req struct {
		SHA   string `json:"sha"`
		Force bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	if _, ok, _ := s.Store.ResolveReference(r.Context(), ref); !ok {
		writeError(w, http.StatusUnprocessableEntity, "Reference does not exist")
		return
	}
	if err := s.Store.UpdateReference(r.Context(), ref, object.Hash(req.SHA), req.Force); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ref": "refs/" + ref, "object": map[string]string{"sha": req.SHA}})
}

func (s *Server) handleCreateRef(w http.ResponseWriter, r *http.Request) {
	if s.begin(w, r, RouteCreateRef) {
		return
	}
	var req struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	if !strings.HasPrefix(req.Ref, "refs/") {
		writeError(w, http.StatusUnprocessableEntity, "Reference name must start with refs/")
		return
	}
	if _, ok, _ := s.Store.ResolveReference(r.Context(), req.Ref); ok {
		writeError(w, http.StatusUnprocessableEntity, "Reference already exists")
		return
	}
	if err := s.Store.UpdateReference(r.Context(), req.Ref, object.Hash(req.SHA), true); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ref": req.Ref, "object": map[string]string{"sha": req.SHA}})
}

func parseIdentity(id *IdentityRequest) (*object.Signature, error) {
	if id == nil {
		return nil, nil
	}
	sig := &object.Signature{Name: id.Name, Email: id.Email}
	if id.Date != "" {
		when, err := time.Parse(time.RFC3339, id.Date)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q", id.Date)
		}
		sig.When = when
	}
	return sig, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"message":           msg,
		"documentation_url": "https://docs.github.com/rest/git",
	})
}
