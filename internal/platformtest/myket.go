// Package platformtest provides in-process fakes of the distribution
// platforms for tests. Every request is recorded so tests can assert on
// order, headers and bodies.
package platformtest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Route names used in Recorded.Route and in the failure knobs.
const (
	RouteSignIn        = "signin"
	RouteConstraints   = "constraints"
	RouteCreateSession = "create-session"
	RoutePatchChunk    = "patch-chunk"
	RouteVersions      = "versions"
	RouteValidate      = "validate"
	RouteReleases      = "releases"
)

// Recorded is one request received by a fake.
type Recorded struct {
	Route  string
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// Upload is a session held by the fake upload host.
type Upload struct {
	ID       string
	Length   int64
	Metadata map[string]string
	Data     []byte
}

// Myket fakes the developer API, the upload host and the resource host on
// one listener. Zero values of the knobs mean success.
type Myket struct {
	srv *httptest.Server

	mu       sync.Mutex
	requests []Recorded
	uploads  map[string]*Upload
	nextID   int
	tokenGen int
	token    string

	// Identity handed out by sign-in.
	Identifier string
	SecretHash string
	AccountID  string
	SecureID   string

	// Status overrides, 0 for the normal response.
	SignInStatus        int
	ConstraintsStatus   int
	CreateSessionStatus int
	ValidateStatus      int
	VersionsStatus      int
	DraftStatus         int

	// FailChunk makes the n-th PATCH (1-based) answer FailChunkStatus.
	FailChunk       int
	FailChunkStatus int

	SignInBody       string // replaces the sign-in JSON when set
	ConstraintsBody  string
	OmitLocation     bool
	AbsoluteLocation bool

	// ExpireTokenOn rotates the token when the named route is first hit, so
	// that request is answered 401 and later ones need a new sign-in.
	ExpireTokenOn string
	// RejectRoute answers 401 to every request on the named route.
	RejectRoute string
	expired     bool
	chunkCount  int
}

// NewMyket starts a fake Myket platform. Knobs are set by the configure
// functions before the listener starts and must not change afterwards.
// Close it when done.
func NewMyket(configure ...func(*Myket)) *Myket {
	m := &Myket{
		uploads:    make(map[string]*Upload),
		Identifier: "dev@example.com",
		AccountID:  "acc-42",
		SecureID:   "sec-7",
	}
	for _, fn := range configure {
		fn(m)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/dev-auth/signin/", m.record(RouteSignIn, m.signIn))
	r.Post("/developers/apk/", m.record(RouteCreateSession, m.authorized(RouteCreateSession, false, m.createSession)))
	r.Patch("/developers/apk/{id}", m.record(RoutePatchChunk, m.authorized(RoutePatchChunk, false, m.patchChunk)))
	r.Route("/developers/{accountID}/applications/{pkg}", func(r chi.Router) {
		r.Get("/new-release-constraints", m.record(RouteConstraints, m.authorized(RouteConstraints, true, m.constraints)))
		r.Post("/versions", m.record(RouteVersions, m.authorized(RouteVersions, true, m.status(func() int { return m.VersionsStatus }, `{"id":1,"status":"Pending"}`))))
		r.Post("/validate", m.record(RouteValidate, m.authorized(RouteValidate, true, m.status(func() int { return m.ValidateStatus }, `{"isValid":true}`))))
		r.Post("/releases", m.record(RouteReleases, m.authorized(RouteReleases, true, m.status(func() int { return m.DraftStatus }, `{"releaseId":99}`))))
	})

	m.srv = httptest.NewServer(r)
	return m
}

// URL is the base URL of the fake; use it for the API, upload and
// resource hosts.
func (m *Myket) URL() string { return m.srv.URL }

// Client returns an HTTP client wired to the fake.
func (m *Myket) Client() *http.Client { return m.srv.Client() }

// Close shuts the fake down.
func (m *Myket) Close() { m.srv.Close() }

// Requests returns a copy of every recorded request in arrival order.
func (m *Myket) Requests() []Recorded {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Recorded, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestsFor returns the recorded requests for one route.
func (m *Myket) RequestsFor(route string) []Recorded {
	var out []Recorded
	for _, r := range m.Requests() {
		if r.Route == route {
			out = append(out, r)
		}
	}
	return out
}

// Routes returns the route names of every recorded request in order.
func (m *Myket) Routes() []string {
	var out []string
	for _, r := range m.Requests() {
		out = append(out, r.Route)
	}
	return out
}

// Upload returns the stored session with the given id.
func (m *Myket) Upload(id string) (*Upload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[id]
	return u, ok
}

// Token returns the token currently accepted by the fake.
func (m *Myket) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

func (m *Myket) record(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		m.mu.Lock()
		m.requests = append(m.requests, Recorded{
			Route:  route,
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   body,
		})
		m.mu.Unlock()

		next(w, r)
	}
}

func (m *Myket) authorized(route string, needCookies bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		if route == m.ExpireTokenOn && !m.expired {
			m.expired = true
			m.token = ""
		}
		token := m.token
		reject := route == m.RejectRoute
		m.mu.Unlock()

		if reject || token == "" || r.Header.Get("authorization") != token {
			http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		if needCookies {
			c, err := r.Cookie("myketAccessToken")
			if err != nil || c.Value != token {
				http.Error(w, `{"message":"missing session cookie"}`, http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (m *Myket) signIn(w http.ResponseWriter, r *http.Request) {
	if m.SignInStatus != 0 {
		http.Error(w, `{"message":"invalid credentials"}`, m.SignInStatus)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("identifier") != m.Identifier ||
		(m.SecretHash != "" && r.PostForm.Get("secret") != m.SecretHash) {
		http.Error(w, `{"message":"invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	m.mu.Lock()
	m.tokenGen++
	m.token = "token-" + strconv.Itoa(m.tokenGen)
	token := m.token
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if m.SignInBody != "" {
		io.WriteString(w, m.SignInBody)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"token":      token,
		"accountId":  m.AccountID,
		"accountKey": "key-1",
		"role":       "Developer",
		"is2Step":    false,
		"result":     "Successful",
		"secureId":   m.SecureID,
	})
}

func (m *Myket) constraints(w http.ResponseWriter, r *http.Request) {
	if m.ConstraintsStatus != 0 {
		http.Error(w, `{"message":"no access"}`, m.ConstraintsStatus)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if m.ConstraintsBody != "" {
		io.WriteString(w, m.ConstraintsBody)
		return
	}
	io.WriteString(w, `{"allowedAddRelease":true,"allowedAddStagedRollout":true,"isRollbackAllowed":false}`)
}

func (m *Myket) status(override func() int, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if code := override(); code != 0 {
			http.Error(w, `{"message":"rejected"}`, code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, okBody)
	}
}

func (m *Myket) createSession(w http.ResponseWriter, r *http.Request) {
	if m.CreateSessionStatus != 0 {
		http.Error(w, "session refused", m.CreateSessionStatus)
		return
	}
	length, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
	if err != nil || length < 0 {
		http.Error(w, "bad Upload-Length", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("up%04d", m.nextID)
	m.uploads[id] = &Upload{ID: id, Length: length, Metadata: parseMetadata(r.Header.Get("Upload-Metadata"))}
	m.mu.Unlock()

	if !m.OmitLocation {
		loc := "/developers/apk/" + id
		if m.AbsoluteLocation {
			loc = "http://" + r.Host + loc
		}
		w.Header().Set("Location", loc)
	}
	w.Header().Set("Tus-Resumable", "1.0.0")
	w.WriteHeader(http.StatusCreated)
}

func (m *Myket) patchChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	m.mu.Lock()
	defer m.mu.Unlock()

	m.chunkCount++
	if m.FailChunk != 0 && m.chunkCount == m.FailChunk {
		http.Error(w, "chunk rejected", m.FailChunkStatus)
		return
	}

	up, ok := m.uploads[id]
	if !ok {
		http.Error(w, "unknown upload", http.StatusNotFound)
		return
	}
	if r.Header.Get("Content-Type") != "application/offset+octet-stream" {
		http.Error(w, "bad content type", http.StatusUnsupportedMediaType)
		return
	}
	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || offset != int64(len(up.Data)) {
		http.Error(w, "offset mismatch", http.StatusConflict)
		return
	}
	body, _ := io.ReadAll(r.Body)
	if offset+int64(len(body)) > up.Length {
		http.Error(w, "upload exceeds length", http.StatusRequestEntityTooLarge)
		return
	}
	up.Data = append(up.Data, body...)

	w.Header().Set("Upload-Offset", strconv.FormatInt(int64(len(up.Data)), 10))
	w.Header().Set("Tus-Resumable", "1.0.0")
	w.WriteHeader(http.StatusNoContent)
}

func parseMetadata(header string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(header, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(pair), " ")
		if !ok {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(val)
		if err != nil {
			continue
		}
		out[key] = string(decoded)
	}
	return out
}
