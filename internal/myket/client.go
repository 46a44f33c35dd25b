// Package myket publishes an APK to the Myket developer panel.
//
// The panel is driven through three collaborators:
//
//   - Authenticator signs in once and hands out the token and cookie set
//     every later call needs.
//   - Uploader moves the package to the upload host with the resumable
//     (TUS 1.0.0) protocol: one POST to open a session, then sequential
//     PATCH requests at increasing offsets.
//   - Workflow runs the release steps in order: constraints, upload,
//     validation, draft.
//
// Nothing is retried except one re-authentication when the panel rejects a
// token. Any failure is returned as an *api.StepError and the caller starts
// over from the beginning.
package myket

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rescale/market-publish/internal/constants"
	"github.com/rescale/market-publish/internal/logging"
	"github.com/rescale/market-publish/internal/progress"
	"github.com/rescale/market-publish/internal/ratelimit"
	"github.com/rescale/market-publish/internal/version"
)

// maxResponseBody caps how much of a response body is read into memory.
const maxResponseBody = 1 << 20

// Options configures a Workflow and the Authenticator and Uploader it builds.
type Options struct {
	APIURL      string // developer API root, e.g. https://developer.myket.ir/api
	ResourceURL string // host serving uploaded packages
	UploadURL   string // TUS upload host

	PackageName string
	Credentials Credentials

	ChunkSize      int
	RequestTimeout time.Duration
	ChunkTimeout   time.Duration

	// StrictValidation fails the run when the validate call returns a
	// non-2xx status. When false the status is recorded and the run goes on.
	StrictValidation bool

	// RequireAddRelease stops the run before uploading when the panel
	// reports that no new release can be added.
	RequireAddRelease bool
}

// Validate checks that the options are usable.
func (o *Options) Validate() error {
	for name, raw := range map[string]string{"api url": o.APIURL, "resource url": o.ResourceURL, "upload url": o.UploadURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid %s %q", name, raw)
		}
	}
	if strings.TrimSpace(o.PackageName) == "" {
		return errors.New("package name is required")
	}
	if o.Credentials.Identifier == "" || o.Credentials.Secret == "" {
		return errors.New("myket credentials are required")
	}
	if o.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", o.ChunkSize)
	}
	return nil
}

func (o *Options) applyDefaults() {
	o.APIURL = strings.TrimSuffix(o.APIURL, "/")
	o.ResourceURL = strings.TrimSuffix(o.ResourceURL, "/")
	o.UploadURL = strings.TrimSuffix(o.UploadURL, "/")
	if o.ChunkSize == 0 {
		o.ChunkSize = constants.UploadChunkSize
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = constants.DefaultRequestTimeout
	}
	if o.ChunkTimeout == 0 {
		o.ChunkTimeout = constants.DefaultChunkTimeout
	}
}

// New builds a Workflow with its Authenticator and Uploader sharing one
// HTTP client.
func New(httpClient *nethttp.Client, opts Options, logger *logging.Logger, reporter progress.Reporter) (*Workflow, error) {
	opts.applyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if reporter == nil {
		reporter = progress.NewNoOpProgress()
	}

	d := &doer{
		client:  httpClient,
		limiter: ratelimit.NewPlatformRateLimiter(),
		logger:  logger,
	}
	auth := newAuthenticator(d, opts.APIURL, opts.Credentials, logger)
	uploader := newUploader(d, auth, opts, logger, reporter)

	return &Workflow{
		doer:     d,
		auth:     auth,
		uploader: uploader,
		opts:     opts,
		logger:   logger,
		state:    StateUnauthenticated,
	}, nil
}

// doer sends requests for all three collaborators. API calls are paced by
// the limiter; chunk writes are not.
type doer struct {
	client  *nethttp.Client
	limiter *ratelimit.RateLimiter
	logger  *logging.Logger
}

func (d *doer) send(req *nethttp.Request, paced bool) (*nethttp.Response, error) {
	if paced && d.limiter != nil {
		if err := d.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("rate limiter cancelled: %w", err)
		}
	}

	req.Header.Set("User-Agent", version.UserAgent())

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Debug().Err(err).Str("method", req.Method).Str("url", endpointOf(req.URL)).Msg("request failed")
		return nil, err
	}
	d.logger.Debug().
		Str("method", req.Method).
		Str("url", endpointOf(req.URL)).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("request")

	if resp.StatusCode == nethttp.StatusTooManyRequests {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 && d.limiter != nil {
			d.limiter.SetCooldown(time.Duration(secs) * time.Second)
		}
		d.logger.Warn().Str("url", endpointOf(req.URL)).Str("retry_after", resp.Header.Get("Retry-After")).Msg("throttled by platform")
	}

	return resp, nil
}

// readBody reads and closes a response body.
func readBody(resp *nethttp.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
}

// discardBody drains and closes a body so the connection can be reused.
func discardBody(resp *nethttp.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	resp.Body.Close()
}

// withLanguage appends the panel's static lang parameter.
func withLanguage(endpoint string) string {
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + "lang=" + url.QueryEscape(constants.MyketLanguage)
}

// endpointOf renders a URL without its query string, for logs and errors.
func endpointOf(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.User = nil
	return c.String()
}

// withTimeout derives a per-call context. A zero timeout leaves ctx as is.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
