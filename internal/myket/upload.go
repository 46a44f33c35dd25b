package myket

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rescale/market-publish/internal/api"
	"github.com/rescale/market-publish/internal/constants"
	"github.com/rescale/market-publish/internal/logging"
	"github.com/rescale/market-publish/internal/progress"
)

const (
	stepCreateSession = "create-upload-session"
	stepUploadChunk   = "upload-chunk"
)

// UploadSession is a server-side upload opened by the creation POST. Offset
// only moves forward, and only after the server acknowledges a chunk.
type UploadSession struct {
	URL       string
	ID        string
	TotalSize int64
	offset    int64
}

// Offset returns the number of bytes the server has acknowledged.
func (s *UploadSession) Offset() int64 { return s.offset }

// Complete reports whether every byte has been acknowledged.
func (s *UploadSession) Complete() bool { return s.offset >= s.TotalSize }

func (s *UploadSession) advance(n int64) error {
	if n <= 0 || s.offset+n > s.TotalSize {
		return fmt.Errorf("invalid advance of %d bytes at offset %d of %d", n, s.offset, s.TotalSize)
	}
	s.offset += n
	return nil
}

// UploadResult describes a finished upload.
type UploadResult struct {
	Link       string
	SessionURL string
	Size       int64
	Chunks     int
	Duration   time.Duration
}

// Uploader sends a package to the upload host with the resumable protocol.
type Uploader struct {
	doer         *doer
	auth         *Authenticator
	uploadURL    string
	resourceURL  string
	chunkSize    int
	timeout      time.Duration
	chunkTimeout time.Duration
	reporter     progress.Reporter
	logger       *logging.Logger
}

// NewUploader creates an Uploader that authenticates through auth.
func NewUploader(httpClient *nethttp.Client, auth *Authenticator, opts Options, logger *logging.Logger, reporter progress.Reporter) *Uploader {
	opts.applyDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if reporter == nil {
		reporter = progress.NewNoOpProgress()
	}
	return newUploader(&doer{client: httpClient, logger: logger}, auth, opts, logger, reporter)
}

func newUploader(d *doer, auth *Authenticator, opts Options, logger *logging.Logger, reporter progress.Reporter) *Uploader {
	return &Uploader{
		doer:         d,
		auth:         auth,
		uploadURL:    strings.TrimSuffix(opts.UploadURL, "/"),
		resourceURL:  strings.TrimSuffix(opts.ResourceURL, "/"),
		chunkSize:    opts.ChunkSize,
		timeout:      opts.RequestTimeout,
		chunkTimeout: opts.ChunkTimeout,
		reporter:     reporter,
		logger:       logger,
	}
}

// Upload transfers the file at filePath and returns its artifact link.
func (u *Uploader) Upload(ctx context.Context, filePath string) (string, error) {
	res, err := u.upload(ctx, filePath)
	if err != nil {
		return "", err
	}
	return res.Link, nil
}

func (u *Uploader) upload(ctx context.Context, filePath string) (*UploadResult, error) {
	start := time.Now()

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, api.WrapStepError(api.ErrUploadSession, stepCreateSession, "", "", fmt.Errorf("stat artifact: %w", err))
	}
	if info.IsDir() {
		return nil, api.WrapStepError(api.ErrUploadSession, stepCreateSession, "", "", fmt.Errorf("artifact %s is a directory", filePath))
	}
	name := filepath.Base(filePath)

	session, err := u.createSession(ctx, name, info.Size())
	if err != nil {
		return nil, err
	}
	u.logger.Info().
		Str("session", session.URL).
		Int64("size", session.TotalSize).
		Msg("Upload session created")

	chunks, err := u.sendChunks(ctx, filePath, name, session)
	if err != nil {
		return nil, err
	}

	link, err := ArtifactLink(u.resourceURL, session.URL)
	if err != nil {
		return nil, api.WrapStepError(api.ErrUploadSession, stepCreateSession, nethttp.MethodPost, u.sessionEndpoint(), err)
	}

	res := &UploadResult{
		Link:       link,
		SessionURL: session.URL,
		Size:       session.TotalSize,
		Chunks:     chunks,
		Duration:   time.Since(start),
	}
	u.logger.Info().
		Str("link", link).
		Int("chunks", chunks).
		Dur("elapsed", res.Duration).
		Msg("Upload complete")
	return res, nil
}

func (u *Uploader) sessionEndpoint() string {
	return u.uploadURL + "/developers/apk/"
}

// uploadMetadata renders the Upload-Metadata header: comma separated
// "key base64(value)" pairs.
func uploadMetadata(filename string) string {
	enc := base64.StdEncoding
	return "filename " + enc.EncodeToString([]byte(filename)) +
		",filetype " + enc.EncodeToString([]byte(constants.APKMimeType))
}

func (u *Uploader) createSession(ctx context.Context, name string, size int64) (*UploadSession, error) {
	endpoint := u.sessionEndpoint()

	ctx, cancel := withTimeout(ctx, u.timeout)
	defer cancel()

	resp, err := u.auth.do(ctx, authCall{
		paced: true,
		build: func(*AuthBundle) (*nethttp.Request, error) {
			req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, endpoint, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Upload-Length", strconv.FormatInt(size, 10))
			req.Header.Set("Upload-Metadata", uploadMetadata(name))
			req.Header.Set("Tus-Resumable", constants.TusVersion)
			return req, nil
		},
	})
	if err != nil {
		return nil, stepFailure(api.ErrUploadSession, stepCreateSession, nethttp.MethodPost, endpoint, err)
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, api.WrapStepError(api.ErrUploadSession, stepCreateSession, nethttp.MethodPost, endpoint, err)
	}
	if resp.StatusCode != nethttp.StatusCreated {
		return nil, api.NewStepError(api.ErrUploadSession, stepCreateSession, nethttp.MethodPost, endpoint, resp.StatusCode, body)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		se := api.NewStepError(api.ErrUploadSession, stepCreateSession, nethttp.MethodPost, endpoint, resp.StatusCode, body)
		se.Err = errors.New("response has no Location header")
		return nil, se
	}

	sessionURL, err := resolveSessionURL(u.uploadURL, location)
	if err != nil {
		se := api.NewStepError(api.ErrUploadSession, stepCreateSession, nethttp.MethodPost, endpoint, resp.StatusCode, body)
		se.Err = err
		return nil, se
	}
	id, err := SessionID(sessionURL)
	if err != nil {
		se := api.NewStepError(api.ErrUploadSession, stepCreateSession, nethttp.MethodPost, endpoint, resp.StatusCode, body)
		se.Err = err
		return nil, se
	}

	return &UploadSession{URL: sessionURL, ID: id, TotalSize: size}, nil
}

// sendChunks PATCHes the file in order. The loop guard is offset < total,
// so an empty file sends nothing.
func (u *Uploader) sendChunks(ctx context.Context, filePath, name string, session *UploadSession) (int, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return 0, api.WrapStepError(api.ErrChunkUpload, stepUploadChunk, "", filePath, fmt.Errorf("open artifact: %w", err))
	}
	defer f.Close()

	u.reporter.Start(session.TotalSize, "Uploading "+name)

	buf := make([]byte, u.chunkSize)
	chunks := 0
	for !session.Complete() {
		n := int64(u.chunkSize)
		if remaining := session.TotalSize - session.offset; remaining < n {
			n = remaining
		}

		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			se := api.WrapStepError(api.ErrChunkUpload, stepUploadChunk, "", filePath, fmt.Errorf("read artifact: %w", err))
			se.Offset = session.offset
			u.reporter.Error(se)
			return chunks, se
		}

		if err := u.patchChunk(ctx, session, buf[:n]); err != nil {
			u.reporter.Error(err)
			return chunks, err
		}
		if err := session.advance(n); err != nil {
			se := api.WrapStepError(api.ErrChunkUpload, stepUploadChunk, nethttp.MethodPatch, session.URL, err)
			se.Offset = session.offset
			return chunks, se
		}
		chunks++
		u.reporter.Update(session.offset)

		u.logger.Debug().
			Int("chunk", chunks).
			Int64("offset", session.offset).
			Int64("total", session.TotalSize).
			Msg("Chunk acknowledged")
	}

	u.reporter.Finish()
	return chunks, nil
}

func (u *Uploader) patchChunk(ctx context.Context, session *UploadSession, chunk []byte) error {
	offset := session.offset

	ctx, cancel := withTimeout(ctx, u.chunkTimeout)
	defer cancel()

	resp, err := u.auth.do(ctx, authCall{
		build: func(*AuthBundle) (*nethttp.Request, error) {
			req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPatch, session.URL, bytes.NewReader(chunk))
			if err != nil {
				return nil, err
			}
			req.ContentLength = int64(len(chunk))
			req.Header.Set("Upload-Offset", strconv.FormatInt(offset, 10))
			req.Header.Set("Content-Type", constants.TusOffsetContentType)
			req.Header.Set("Tus-Resumable", constants.TusVersion)
			return req, nil
		},
	})
	if err != nil {
		se := stepFailure(api.ErrChunkUpload, stepUploadChunk, nethttp.MethodPatch, session.URL, err)
		if se.Kind == api.ErrChunkUpload {
			se.Offset = offset
		}
		return se
	}

	body, err := readBody(resp)
	if err != nil {
		se := api.WrapStepError(api.ErrChunkUpload, stepUploadChunk, nethttp.MethodPatch, session.URL, err)
		se.Offset = offset
		return se
	}
	if resp.StatusCode != nethttp.StatusNoContent {
		se := api.NewStepError(api.ErrChunkUpload, stepUploadChunk, nethttp.MethodPatch, session.URL, resp.StatusCode, body)
		se.Offset = offset
		return se
	}

	// A server that reports its offset must agree with ours.
	if ack := resp.Header.Get("Upload-Offset"); ack != "" {
		want := offset + int64(len(chunk))
		got, err := strconv.ParseInt(ack, 10, 64)
		if err != nil || got != want {
			se := api.NewStepError(api.ErrChunkUpload, stepUploadChunk, nethttp.MethodPatch, session.URL, resp.StatusCode, body)
			se.Offset = offset
			se.Err = fmt.Errorf("server acknowledged offset %q, expected %d", ack, want)
			return se
		}
	}
	return nil
}

// resolveSessionURL joins a Location header onto the upload host. Absolute
// locations are used as they are.
func resolveSessionURL(uploadURL, location string) (string, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid Location %q: %w", location, err)
	}
	if loc.IsAbs() {
		return loc.String(), nil
	}
	base, err := url.Parse(uploadURL)
	if err != nil {
		return "", fmt.Errorf("invalid upload url %q: %w", uploadURL, err)
	}
	return base.ResolveReference(loc).String(), nil
}

// SessionID returns the last path segment of an upload session URL.
func SessionID(sessionURL string) (string, error) {
	u, err := url.Parse(sessionURL)
	if err != nil {
		return "", fmt.Errorf("invalid session url %q: %w", sessionURL, err)
	}
	id := path.Base(strings.TrimSuffix(u.Path, "/"))
	if id == "" || id == "." || id == "/" {
		return "", fmt.Errorf("session url %q has no upload id", sessionURL)
	}
	return id, nil
}

// ArtifactLink derives the public link of an uploaded package from its
// session URL: {resourceHost}/Uploads/{id}/{id}.apk.
func ArtifactLink(resourceHost, sessionURL string) (string, error) {
	id, err := SessionID(sessionURL)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(resourceHost, "/") + "/Uploads/" + id + "/" + id + ".apk", nil
}

// stepFailure keeps a StepError raised by sign-in as it is and wraps any
// other error in the given kind.
func stepFailure(kind error, step, method, endpoint string, err error) *api.StepError {
	var se *api.StepError
	if errors.As(err, &se) {
		return se
	}
	return api.WrapStepError(kind, step, method, endpoint, err)
}
