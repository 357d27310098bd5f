package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/odvcencio/treepush/pkg/encode"
	"github.com/odvcencio/treepush/pkg/object"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// APIVersion is sent as X-GitHub-Api-Version on every request.
	APIVersion = "2022-11-28"

	mediaType         = "application/vnd.github+json"
	defaultUserAgent  = "treepush"
	responseLimit     = 2 << 20 // 2MB
	defaultBackoff    = time.Second
	defaultTimeout    = 60 * time.Second
	defaultMaxAttempt = 3
)

// ClientOptions configures the remote protocol client.
type ClientOptions struct {
	Token             string        // bearer credential; empty sends no Authorization header
	Timeout           time.Duration // HTTP client timeout (default 60s)
	MaxAttempts       int           // retry attempts (default 3)
	Backoff           time.Duration // first retry delay, doubled per attempt (default 1s)
	RequestsPerSecond float64       // request pacing; zero disables it
	UserAgent         string
	HTTPClient        *http.Client
	Logger            logrus.FieldLogger
}

// Client speaks the git-data REST API: blobs, trees, commits and refs.
type Client struct {
	endpoint   Endpoint
	httpClient *http.Client
	token      string
	userAgent  string
	retry      retryPolicy
	log        logrus.FieldLogger
}

// NewClient creates a client for endpoint. Zero-value or negative fields in
// opts receive defaults.
func NewClient(endpoint Endpoint, opts ClientOptions) (*Client, error) {
	if endpoint.IsLocal() {
		return nil, fmt.Errorf("endpoint %s is a local store", endpoint)
	}
	if endpoint.APIBase == "" || endpoint.Owner == "" || endpoint.Repo == "" {
		return nil, fmt.Errorf("endpoint is missing API base, owner or repository")
	}

	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempt
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	log := opts.Logger.WithField("remote", endpoint.Owner+"/"+endpoint.Repo)
	return &Client{
		endpoint:   endpoint,
		httpClient: httpClient,
		token:      strings.TrimSpace(opts.Token),
		userAgent:  opts.UserAgent,
		retry: retryPolicy{
			maxAttempts: opts.MaxAttempts,
			backoff:     opts.Backoff,
			limiter:     limiter,
			log:         log,
		},
		log: log,
	}, nil
}

type shaResponse struct {
	SHA string `json:"sha"`
}

// CreateBlob uploads b. A 422 response means the object already exists and
// counts as success; when it carries no digest the locally computed one is
// used. A digest that disagrees with the local one is rejected.
func (c *Client) CreateBlob(ctx context.Context, b *encode.Blob) (object.Hash, error) {
	payload := struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}{Content: b.Content, Encoding: b.Encoding}

	status, body, err := c.send(ctx, http.MethodPost, "/git/blobs", payload)
	if err != nil {
		return "", &ObjectCreateError{Type: object.TypeBlob, Path: b.Path, Err: err}
	}

	var h object.Hash
	switch status {
	case http.StatusCreated:
		h, err = parseSHA(body)
		if err != nil {
			return "", &ObjectCreateError{Type: object.TypeBlob, Path: b.Path, Status: status, Err: err}
		}
	case http.StatusUnprocessableEntity:
		h, err = parseSHA(body)
		if err != nil {
			if b.Digest == "" {
				return "", &ObjectCreateError{Type: object.TypeBlob, Path: b.Path, Status: status, Err: statusError(status, body)}
			}
			h = b.Digest
		}
		c.log.WithFields(logrus.Fields{"path": b.Path, "digest": h}).Debug("blob already exists")
	default:
		return "", &ObjectCreateError{Type: object.TypeBlob, Path: b.Path, Status: status, Err: statusError(status, body)}
	}

	if b.Digest != "" && h != b.Digest {
		return "", &ObjectCreateError{
			Type:   object.TypeBlob,
			Path:   b.Path,
			Status: status,
			Err:    fmt.Errorf("digest mismatch (store %s, local %s)", h, b.Digest),
		}
	}
	return h, nil
}

// CreateTree creates one tree object from entries.
func (c *Client) CreateTree(ctx context.Context, entries []object.TreeEntry) (object.Hash, error) {
	type treeEntryPayload struct {
		Path string `json:"path"`
		Mode string `json:"mode"`
		Type string `json:"type"`
		SHA  string `json:"sha"`
	}
	payload := struct {
		Tree []treeEntryPayload `json:"tree"`
	}{Tree: make([]treeEntryPayload, 0, len(entries))}
	for _, e := range entries {
		mode := e.Mode
		if e.Type == object.TypeTree {
			mode = object.TreeModeDir
		} else if mode == "" {
			mode = object.TreeModeFile
		}
		payload.Tree = append(payload.Tree, treeEntryPayload{
			Path: e.Path,
			Mode: mode,
			Type: string(e.Type),
			SHA:  string(e.Hash),
		})
	}

	status, body, err := c.send(ctx, http.MethodPost, "/git/trees", payload)
	if err != nil {
		return "", &ObjectCreateError{Type: object.TypeTree, Err: err}
	}
	return c.createdHash(object.TypeTree, status, body)
}

// ResolveReference returns the commit a reference points to. A reference
// that does not exist, or an empty repository, yields ok == false.
func (c *Client) ResolveReference(ctx context.Context, name string) (object.Hash, bool, error) {
	ref, err := NormalizeRef(name)
	if err != nil {
		return "", false, &ReferenceResolutionError{Ref: name, Err: err}
	}

	status, body, err := c.send(ctx, http.MethodGet, "/git/ref/"+ref, nil)
	if err != nil {
		return "", false, &ReferenceResolutionError{Ref: ref, Err: err}
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusConflict:
		return "", false, nil
	default:
		return "", false, &ReferenceResolutionError{Ref: ref, Status: status, Err: statusError(status, body)}
	}

	var resp struct {
		Ref    string `json:"ref"`
		Object struct {
			SHA  string `json:"sha"`
			Type string `json:"type"`
		} `json:"object"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", false, &ReferenceResolutionError{Ref: ref, Status: status, Err: fmt.Errorf("decode ref response: %w", err)}
	}
	h := object.Hash(strings.TrimSpace(resp.Object.SHA))
	if err := object.ValidateHash(h); err != nil {
		return "", false, &ReferenceResolutionError{Ref: ref, Status: status, Err: err}
	}
	return h, true, nil
}

// CreateCommit creates one commit object. Parents is always sent as a list,
// empty for an initial commit.
func (c *Client) CreateCommit(ctx context.Context, commit *object.Commit) (object.Hash, error) {
	type identity struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		Date  string `json:"date,omitempty"`
	}
	payload := struct {
		Message   string    `json:"message"`
		Tree      string    `json:"tree"`
		Parents   []string  `json:"parents"`
		Author    *identity `json:"author,omitempty"`
		Committer *identity `json:"committer,omitempty"`
		Signature string    `json:"signature,omitempty"`
	}{
		Message:   commit.Message,
		Tree:      string(commit.Tree),
		Parents:   make([]string, 0, len(commit.Parents)),
		Signature: commit.Signature,
	}
	for _, p := range commit.Parents {
		payload.Parents = append(payload.Parents, string(p))
	}
	toIdentity := func(s *object.Signature) *identity {
		if s == nil {
			return nil
		}
		id := &identity{Name: s.Name, Email: s.Email}
		if !s.When.IsZero() {
			id.Date = s.When.Format(time.RFC3339)
		}
		return id
	}
	payload.Author = toIdentity(commit.Author)
	payload.Committer = toIdentity(commit.Committer)

	status, body, err := c.send(ctx, http.MethodPost, "/git/commits", payload)
	if err != nil {
		return "", &ObjectCreateError{Type: object.TypeCommit, Err: err}
	}
	return c.createdHash(object.TypeCommit, status, body)
}

// UpdateReference moves a reference to h. When the store rejects the move,
// the reference is resolved again: if it already points at h the update is
// a success, and if it does not exist yet it is created.
func (c *Client) UpdateReference(ctx context.Context, name string, h object.Hash, force bool) error {
	ref, err := NormalizeRef(name)
	if err != nil {
		return &ReferenceUpdateError{Ref: name, Target: h, Err: err}
	}

	payload := struct {
		SHA   string `json:"sha"`
		Force bool   `json:"force"`
	}{SHA: string(h), Force: force}
	status, body, err := c.send(ctx, http.MethodPatch, "/git/refs/"+ref, payload)
	if err != nil {
		return &ReferenceUpdateError{Ref: ref, Target: h, Err: err}
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound, http.StatusUnprocessableEntity:
	default:
		return &ReferenceUpdateError{Ref: ref, Target: h, Status: status, Err: statusError(status, body)}
	}

	rejected := &ReferenceUpdateError{Ref: ref, Target: h, Status: status, Err: statusError(status, body)}
	current, exists, err := c.ResolveReference(ctx, ref)
	if err != nil {
		return &ReferenceUpdateError{Ref: ref, Target: h, Status: status, Err: err}
	}
	if exists {
		if current == h {
			c.log.WithFields(logrus.Fields{"ref": ref, "digest": h}).Debug("ref already at target")
			return nil
		}
		return rejected
	}
	return c.createReference(ctx, ref, h)
}

func (c *Client) createReference(ctx context.Context, ref string, h object.Hash) error {
	payload := struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	}{Ref: "refs/" + ref, SHA: string(h)}
	status, body, err := c.send(ctx, http.MethodPost, "/git/refs", payload)
	if err != nil {
		return &ReferenceUpdateError{Ref: ref, Target: h, Err: err}
	}
	if status == http.StatusCreated {
		c.log.WithFields(logrus.Fields{"ref": ref, "digest": h}).Debug("ref created")
		return nil
	}
	if status == http.StatusUnprocessableEntity {
		if current, ok, err := c.ResolveReference(ctx, ref); err == nil && ok && current == h {
			return nil
		}
	}
	return &ReferenceUpdateError{Ref: ref, Target: h, Status: status, Err: statusError(status, body)}
}

// createdHash interprets the response of a tree or commit creation. Created
// and already-exists both succeed, but only if the body names the object.
func (c *Client) createdHash(t object.ObjectType, status int, body []byte) (object.Hash, error) {
	switch status {
	case http.StatusCreated, http.StatusUnprocessableEntity:
		h, err := parseSHA(body)
		if err == nil {
			return h, nil
		}
		if status == http.StatusCreated {
			return "", &ObjectCreateError{Type: t, Status: status, Err: err}
		}
	}
	return "", &ObjectCreateError{Type: t, Status: status, Err: statusError(status, body)}
}

// send issues one API call relative to the repository root and returns the
// status and body. Only transport failures are returned as errors.
func (c *Client) send(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint.RepoURL()+path, body)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyHeaders(req)

	start := time.Now()
	resp, err := retryDo(ctx, c.httpClient, req, c.retry)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit))
	if err != nil {
		return 0, nil, err
	}
	c.log.WithFields(logrus.Fields{
		"method":  method,
		"path":    path,
		"status":  resp.StatusCode,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Debug("api call")
	return resp.StatusCode, data, nil
}

func (c *Client) applyHeaders(req *http.Request) {
	req.Header.Set("Accept", mediaType)
	req.Header.Set("X-GitHub-Api-Version", APIVersion)
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func parseSHA(body []byte) (object.Hash, error) {
	var resp shaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	h := object.Hash(strings.TrimSpace(resp.SHA))
	if err := object.ValidateHash(h); err != nil {
		return "", fmt.Errorf("response digest: %w", err)
	}
	return h, nil
}
