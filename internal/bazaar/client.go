// Package bazaar publishes an APK to Cafe Bazaar through the Pishkhan API:
// create a release, upload the whole package in one multipart request, then
// commit the release with its changelogs.
package bazaar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	nethttp "net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rescale/market-publish/internal/api"
	"github.com/rescale/market-publish/internal/constants"
	"github.com/rescale/market-publish/internal/logging"
	"github.com/rescale/market-publish/internal/models"
	"github.com/rescale/market-publish/internal/progress"
	"github.com/rescale/market-publish/internal/version"
)

const (
	StepCreateRelease = "create-release"
	StepUploadPackage = "upload-package"
	StepCommit        = "commit"
)

const maxResponseBody = 1 << 20

// Options configures a Client.
type Options struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	UploadTimeout  time.Duration
}

// Client talks to the Pishkhan release API.
type Client struct {
	httpClient *nethttp.Client
	opts       Options
	logger     *logging.Logger
	reporter   progress.Reporter
}

// NewClient validates opts and returns a Client.
func NewClient(httpClient *nethttp.Client, opts Options, logger *logging.Logger, reporter progress.Reporter) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = constants.BazaarAPIURL
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	if u, err := url.Parse(opts.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid bazaar api url %q", opts.BaseURL)
	}
	if opts.APIKey == "" {
		return nil, errors.New("bazaar api key is required")
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = constants.DefaultRequestTimeout
	}
	if opts.UploadTimeout == 0 {
		opts.UploadTimeout = constants.DefaultChunkTimeout
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if reporter == nil {
		reporter = progress.NewNoOpProgress()
	}
	return &Client{httpClient: httpClient, opts: opts, logger: logger, reporter: reporter}, nil
}

// Request describes one Bazaar release.
type Request struct {
	ApkPath        string
	ChangelogFa    string
	ChangelogEn    string
	DeveloperNote  string
	RolloutPercent int
	AutoPublish    bool
}

// StepTiming records how long a completed step took.
type StepTiming struct {
	Name     string
	Duration time.Duration
}

// Result is the outcome of a successful Publish.
type Result struct {
	Commit json.RawMessage
	Steps  []StepTiming
}

// Publish creates a release, uploads the package and commits the release.
// It stops at the first failing step and returns the steps completed so far
// with the error.
func (c *Client) Publish(ctx context.Context, req Request) (*Result, error) {
	if req.RolloutPercent < 0 || req.RolloutPercent > 100 {
		return nil, fmt.Errorf("rollout percent %d outside 0-100", req.RolloutPercent)
	}

	res := &Result{}
	timed := func(name string, fn func() error) error {
		start := time.Now()
		if err := fn(); err != nil {
			return err
		}
		res.Steps = append(res.Steps, StepTiming{Name: name, Duration: time.Since(start)})
		return nil
	}

	c.logger.Info().Msg("Creating Bazaar release; make sure no other release is in progress")
	if err := timed(StepCreateRelease, func() error { return c.CreateRelease(ctx) }); err != nil {
		return res, err
	}
	if err := timed(StepUploadPackage, func() error { return c.UploadPackage(ctx, req.ApkPath) }); err != nil {
		return res, err
	}
	if err := timed(StepCommit, func() error {
		body, err := c.Commit(ctx, models.BazaarCommitRequest{
			ChangelogEn:             req.ChangelogEn,
			ChangelogFa:             req.ChangelogFa,
			DeveloperNote:           req.DeveloperNote,
			StagedRolloutPercentage: req.RolloutPercent,
			AutoPublish:             req.AutoPublish,
		})
		res.Commit = body
		return err
	}); err != nil {
		return res, err
	}

	c.logger.Info().Int("rollout", req.RolloutPercent).Bool("auto_publish", req.AutoPublish).Msg("Bazaar release committed")
	return res, nil
}

// CreateRelease opens a new release. The API answers 201.
func (c *Client) CreateRelease(ctx context.Context) error {
	endpoint := c.opts.BaseURL + "/v1/apps/releases/"

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, endpoint, nil)
	if err != nil {
		return api.WrapStepError(api.ErrBazaar, StepCreateRelease, nethttp.MethodPost, endpoint, err)
	}
	status, body, err := c.do(req)
	if err != nil {
		return api.WrapStepError(api.ErrBazaar, StepCreateRelease, nethttp.MethodPost, endpoint, err)
	}
	if status != nethttp.StatusCreated {
		return api.NewStepError(api.ErrBazaar, StepCreateRelease, nethttp.MethodPost, endpoint, status, body)
	}
	c.logger.Info().Msg("Release request accepted")
	return nil
}

// UploadPackage streams the file at apkPath as the multipart field "apk".
func (c *Client) UploadPackage(ctx context.Context, apkPath string) error {
	endpoint := c.opts.BaseURL + "/v1/apps/releases/upload/"

	f, err := os.Open(apkPath)
	if err != nil {
		return api.WrapStepError(api.ErrBazaar, StepUploadPackage, nethttp.MethodPost, endpoint, fmt.Errorf("open package: %w", err))
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return api.WrapStepError(api.ErrBazaar, StepUploadPackage, nethttp.MethodPost, endpoint, fmt.Errorf("stat package: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.UploadTimeout)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	name := filepath.Base(apkPath)

	c.reporter.Start(info.Size(), "Uploading "+name)
	go func() {
		part, err := mw.CreateFormFile("apk", name)
		if err == nil {
			_, err = io.Copy(part, progress.NewReader(f, c.reporter))
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, endpoint+"?architecture=all", pr)
	if err != nil {
		pr.CloseWithError(err)
		return api.WrapStepError(api.ErrBazaar, StepUploadPackage, nethttp.MethodPost, endpoint, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	status, body, err := c.do(req)
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		c.reporter.Error(err)
		return api.WrapStepError(api.ErrBazaar, StepUploadPackage, nethttp.MethodPost, endpoint, err)
	}
	if status != nethttp.StatusOK && status != nethttp.StatusCreated {
		se := api.NewStepError(api.ErrBazaar, StepUploadPackage, nethttp.MethodPost, endpoint, status, body)
		c.reporter.Error(se)
		return se
	}
	c.reporter.Finish()
	c.logger.Info().Str("file", name).Int64("size", info.Size()).Msg("Package uploaded")
	return nil
}

// Commit finalises the release with its changelogs and rollout.
func (c *Client) Commit(ctx context.Context, commit models.BazaarCommitRequest) (json.RawMessage, error) {
	endpoint := c.opts.BaseURL + "/v1/apps/releases/commit/"

	data, err := json.Marshal(commit)
	if err != nil {
		return nil, api.WrapStepError(api.ErrBazaar, StepCommit, nethttp.MethodPost, endpoint, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, api.WrapStepError(api.ErrBazaar, StepCommit, nethttp.MethodPost, endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	status, body, err := c.do(req)
	if err != nil {
		return nil, api.WrapStepError(api.ErrBazaar, StepCommit, nethttp.MethodPost, endpoint, err)
	}
	if !api.IsSuccess(status) {
		return nil, api.NewStepError(api.ErrBazaar, StepCommit, nethttp.MethodPost, endpoint, status, body)
	}
	c.logger.Info().Int("status", status).Msg("Rollout committed")
	return json.RawMessage(body), nil
}

func (c *Client) do(req *nethttp.Request) (int, []byte, error) {
	req.Header.Set(constants.BazaarSecretHeader, c.opts.APIKey)
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	c.logger.Debug().Str("method", req.Method).Str("url", req.URL.Path).Int("status", resp.StatusCode).Msg("request")
	return resp.StatusCode, body, nil
}
