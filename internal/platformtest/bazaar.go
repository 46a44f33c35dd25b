package platformtest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Bazaar route names.
const (
	RouteBazaarCreate = "bazaar-create"
	RouteBazaarUpload = "bazaar-upload"
	RouteBazaarCommit = "bazaar-commit"
)

// Bazaar fakes the Pishkhan release API.
type Bazaar struct {
	srv *httptest.Server

	mu       sync.Mutex
	requests []Recorded
	uploaded []byte
	filename string
	arch     string
	commit   map[string]any

	APIKey string

	CreateStatus int
	UploadStatus int
	CommitStatus int
}

// NewBazaar starts a fake Pishkhan API. Knobs are set by configure before
// the listener starts.
func NewBazaar(configure ...func(*Bazaar)) *Bazaar {
	b := &Bazaar{APIKey: "bazaar-secret"}
	for _, fn := range configure {
		fn(b)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/v1/apps/releases", func(r chi.Router) {
		r.Post("/", b.handle(RouteBazaarCreate, b.create))
		r.Post("/upload/", b.handle(RouteBazaarUpload, b.upload))
		r.Post("/commit/", b.handle(RouteBazaarCommit, b.commitRelease))
	})

	b.srv = httptest.NewServer(r)
	return b
}

func (b *Bazaar) URL() string          { return b.srv.URL }
func (b *Bazaar) Client() *http.Client { return b.srv.Client() }
func (b *Bazaar) Close()               { b.srv.Close() }

// Requests returns a copy of every recorded request in arrival order.
func (b *Bazaar) Requests() []Recorded {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Recorded, len(b.requests))
	copy(out, b.requests)
	return out
}

// Uploaded returns the received package bytes, its filename and the
// architecture query parameter.
func (b *Bazaar) Uploaded() ([]byte, string, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uploaded, b.filename, b.arch
}

// Committed returns the decoded commit payload.
func (b *Bazaar) Committed() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commit
}

func (b *Bazaar) handle(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := Recorded{
			Route:  route,
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
		}
		b.mu.Lock()
		b.requests = append(b.requests, rec)
		b.mu.Unlock()

		if r.Header.Get("CAFEBAZAAR-PISHKHAN-API-SECRET") != b.APIKey {
			http.Error(w, `{"detail":"invalid api secret"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (b *Bazaar) create(w http.ResponseWriter, r *http.Request) {
	if b.CreateStatus != 0 {
		http.Error(w, `{"detail":"release in progress"}`, b.CreateStatus)
		return
	}
	w.WriteHeader(http.StatusCreated)
	io.WriteString(w, `{"release_id":1}`)
}

func (b *Bazaar) upload(w http.ResponseWriter, r *http.Request) {
	if b.UploadStatus != 0 {
		http.Error(w, `{"detail":"invalid package"}`, b.UploadStatus)
		return
	}
	file, header, err := r.FormFile("apk")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.uploaded = data
	b.filename = header.Filename
	b.arch = r.URL.Query().Get("architecture")
	b.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
}

func (b *Bazaar) commitRelease(w http.ResponseWriter, r *http.Request) {
	if b.CommitStatus != 0 {
		http.Error(w, `{"detail":"commit refused"}`, b.CommitStatus)
		return
	}
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.commit = payload
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, `{"status":"committed"}`)
}
