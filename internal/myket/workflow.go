package myket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	nethttp "net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/text/language"

	"github.com/rescale/market-publish/internal/api"
	"github.com/rescale/market-publish/internal/constants"
	"github.com/rescale/market-publish/internal/logging"
	"github.com/rescale/market-publish/internal/models"
	"github.com/rescale/market-publish/internal/release"
)

const (
	stepConstraints     = "release-constraints"
	stepRegisterVersion = "register-version"
	stepValidate        = "validate-version"
	stepDraft           = "draft-release"
)

// State is a position in the release state machine.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateConstraintsKnown
	StateUploaded
	StateValidated
	StateDrafted
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateConstraintsKnown:
		return "constraints-known"
	case StateUploaded:
		return "uploaded"
	case StateValidated:
		return "validated"
	case StateDrafted:
		return "drafted"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// ConstraintSet is the panel's answer to whether a new release may be added.
type ConstraintSet struct {
	models.ReleaseConstraints
	Raw json.RawMessage
}

// ValidationResult holds the decoded version registration response and the
// outcome of the validate call.
type ValidationResult struct {
	Registration   json.RawMessage
	ValidateStatus int
	ValidateBody   string
}

// Valid reports whether the validate call succeeded.
func (r *ValidationResult) Valid() bool { return api.IsSuccess(r.ValidateStatus) }

// DraftResult is the panel's response to draft creation.
type DraftResult struct {
	Raw json.RawMessage
}

// Request is everything a release run needs.
type Request struct {
	ApkPath        string
	VersionCode    int
	VersionName    string
	MinSDK         int
	ChangelogFa    string
	ChangelogEn    string
	RolloutPercent int
}

// StepTiming records how long a completed step took.
type StepTiming struct {
	Name     string
	Duration time.Duration
}

// Result is the outcome of a successful Run.
type Result struct {
	Constraints *ConstraintSet
	Upload      *UploadResult
	Validation  *ValidationResult
	Draft       *DraftResult
	Steps       []StepTiming
}

// Workflow drives authenticate, constraints, upload, validate and draft in
// that order.
type Workflow struct {
	doer     *doer
	auth     *Authenticator
	uploader *Uploader
	opts     Options
	logger   *logging.Logger

	mu    sync.Mutex
	state State
}

// Authenticator returns the workflow's authenticator.
func (w *Workflow) Authenticator() *Authenticator { return w.auth }

// Uploader returns the workflow's uploader.
func (w *Workflow) Uploader() *Uploader { return w.uploader }

// State returns the last step Run completed.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Workflow) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.logger.Debug().Str("state", s.String()).Msg("workflow state")
}

// Run executes every step in order. It stops at the first failure and
// leaves State at the last completed step; the partial Result is returned
// alongside the error.
func (w *Workflow) Run(ctx context.Context, req Request) (*Result, error) {
	if s := w.State(); s > StateAuthenticated {
		return nil, fmt.Errorf("workflow already ran to %s; create a new one", s)
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	res := &Result{}
	step := func(name string, fn func() error) error {
		start := time.Now()
		if err := fn(); err != nil {
			return err
		}
		res.Steps = append(res.Steps, StepTiming{Name: name, Duration: time.Since(start)})
		return nil
	}

	if err := step("authenticate", func() error { return w.auth.EnsureAuthenticated(ctx) }); err != nil {
		return res, err
	}
	w.setState(StateAuthenticated)

	if err := step("constraints", func() error {
		c, err := w.Constraints(ctx)
		if err != nil {
			return err
		}
		if w.opts.RequireAddRelease && !c.AllowedAddRelease {
			se := api.NewStepError(api.ErrConstraintQuery, stepConstraints, nethttp.MethodGet, w.appEndpoint(w.auth.Bundle(), "new-release-constraints"), nethttp.StatusOK, c.Raw)
			se.Err = errors.New("panel does not allow adding a new release")
			return se
		}
		res.Constraints = c
		return nil
	}); err != nil {
		return res, err
	}
	w.setState(StateConstraintsKnown)

	if err := step("upload", func() error {
		up, err := w.uploader.upload(ctx, req.ApkPath)
		res.Upload = up
		return err
	}); err != nil {
		return res, err
	}
	w.setState(StateUploaded)

	if err := step("validate", func() error {
		v, err := w.Validate(ctx, res.Upload.Link, req.VersionCode, req.MinSDK)
		res.Validation = v
		return err
	}); err != nil {
		return res, err
	}
	w.setState(StateValidated)

	if err := step("draft", func() error {
		d, err := w.Draft(ctx, res.Upload.Link, req.VersionName, req.ChangelogFa, req.ChangelogEn, req.RolloutPercent)
		res.Draft = d
		return err
	}); err != nil {
		return res, err
	}
	w.setState(StateDrafted)

	w.logger.Info().
		Str("package", w.opts.PackageName).
		Str("version", req.VersionName).
		Str("link", res.Upload.Link).
		Msg("Draft release created")
	return res, nil
}

func validateRequest(req Request) error {
	if req.ApkPath == "" {
		return errors.New("apk path is required")
	}
	if req.VersionCode <= 0 {
		return fmt.Errorf("version code must be positive, got %d", req.VersionCode)
	}
	if req.MinSDK <= 0 {
		return fmt.Errorf("min sdk must be positive, got %d", req.MinSDK)
	}
	if req.VersionName == "" {
		return errors.New("version name is required")
	}
	return checkRollout(req.RolloutPercent)
}

func checkRollout(p int) error {
	if p < 0 || p > 100 {
		return fmt.Errorf("rollout percent %d outside 0-100", p)
	}
	return nil
}

// Constraints asks whether a new release may be added for the package.
func (w *Workflow) Constraints(ctx context.Context) (*ConstraintSet, error) {
	status, body, endpoint, err := w.call(ctx, api.ErrConstraintQuery, stepConstraints, nethttp.MethodGet, "new-release-constraints", nil)
	if err != nil {
		return nil, err
	}
	if !api.IsSuccess(status) {
		return nil, api.NewStepError(api.ErrConstraintQuery, stepConstraints, nethttp.MethodGet, endpoint, status, body)
	}

	c := &ConstraintSet{Raw: json.RawMessage(body)}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &c.ReleaseConstraints); err != nil {
			se := api.NewStepError(api.ErrConstraintQuery, stepConstraints, nethttp.MethodGet, endpoint, status, body)
			se.Err = fmt.Errorf("decode constraints: %w", err)
			return nil, se
		}
	}

	w.logger.Info().
		Bool("allowed_add_release", c.AllowedAddRelease).
		Bool("allowed_staged_rollout", c.AllowedAddStagedRollout).
		Bool("rollback_allowed", c.IsRollbackAllowed).
		Msg("Release constraints")
	return c, nil
}

// Validate registers link as a new version and submits its metadata for
// validation. With StrictValidation a non-2xx validate status is an error;
// otherwise it is only recorded in the result.
func (w *Workflow) Validate(ctx context.Context, link string, versionCode, minSDK int) (*ValidationResult, error) {
	status, body, endpoint, err := w.call(ctx, api.ErrVersionRegistration, stepRegisterVersion, nethttp.MethodPost, "versions",
		models.RegisterVersionRequest{ApkLink: link})
	if err != nil {
		return nil, err
	}
	if !api.IsSuccess(status) {
		return nil, api.NewStepError(api.ErrVersionRegistration, stepRegisterVersion, nethttp.MethodPost, endpoint, status, body)
	}
	result := &ValidationResult{Registration: json.RawMessage(body)}
	if len(bytes.TrimSpace(body)) > 0 && !json.Valid(body) {
		se := api.NewStepError(api.ErrVersionRegistration, stepRegisterVersion, nethttp.MethodPost, endpoint, status, body)
		se.Err = errors.New("registration response is not JSON")
		return nil, se
	}

	status, body, endpoint, err = w.call(ctx, api.ErrValidation, stepValidate, nethttp.MethodPost, "validate",
		models.ValidateVersionsRequest{Versions: []models.VersionInfo{{
			VersionCode: strconv.Itoa(versionCode),
			SDK:         strconv.Itoa(minSDK),
		}}})
	if err != nil {
		return nil, err
	}
	result.ValidateStatus = status
	result.ValidateBody = string(body)

	if !api.IsSuccess(status) {
		if w.opts.StrictValidation {
			return nil, api.NewStepError(api.ErrValidation, stepValidate, nethttp.MethodPost, endpoint, status, body)
		}
		w.logger.Warn().Int("status", status).Str("body", string(body)).Msg("Validation rejected, continuing")
	} else {
		w.logger.Info().Int("version_code", versionCode).Int("min_sdk", minSDK).Msg("Version validated")
	}
	return result, nil
}

// Draft creates a draft release holding link with Farsi and English
// changelists.
func (w *Workflow) Draft(ctx context.Context, link, versionName, fa, en string, rolloutPercent int) (*DraftResult, error) {
	if err := checkRollout(rolloutPercent); err != nil {
		return nil, api.WrapStepError(api.ErrDraftCreation, stepDraft, nethttp.MethodPost, "", err)
	}

	payload := DraftPayload(link, versionName, fa, en, rolloutPercent)
	status, body, endpoint, err := w.call(ctx, api.ErrDraftCreation, stepDraft, nethttp.MethodPost, "releases", payload)
	if err != nil {
		return nil, err
	}
	if !api.IsSuccess(status) {
		return nil, api.NewStepError(api.ErrDraftCreation, stepDraft, nethttp.MethodPost, endpoint, status, body)
	}
	return &DraftResult{Raw: json.RawMessage(body)}, nil
}

// DraftPayload builds the body of the draft release call.
func DraftPayload(link, versionName, fa, en string, rolloutPercent int) models.DraftReleaseRequest {
	return models.DraftReleaseRequest{
		Title:                versionName,
		StagedRolloutPercent: rolloutPercent,
		TranslationInfos: []models.TranslationInfo{
			{Description: "<p>" + fa + "</p>", Language: release.LanguageLabel(language.Persian)},
			{Description: "<p>" + en + "</p>", Language: release.LanguageLabel(language.English)},
		},
		Versions: []models.ReleaseVersion{
			{ApkLink: link, Case: constants.ReleaseVersionCase},
		},
	}
}

func (w *Workflow) appEndpoint(b *AuthBundle, suffix string) string {
	accountID := ""
	if b != nil {
		accountID = b.accountID
	}
	return fmt.Sprintf("%s/developers/%s/applications/%s/%s",
		w.opts.APIURL, url.PathEscape(accountID), url.PathEscape(w.opts.PackageName), suffix)
}

// call sends an authenticated JSON request to an application endpoint and
// returns the status and body. Only failures that produced no response are
// returned as errors; status handling is left to the caller.
func (w *Workflow) call(ctx context.Context, kind error, step, method, suffix string, payload any) (int, []byte, string, error) {
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return 0, nil, "", api.WrapStepError(kind, step, method, suffix, fmt.Errorf("encode request: %w", err))
		}
	}

	ctx, cancel := withTimeout(ctx, w.opts.RequestTimeout)
	defer cancel()

	endpoint := w.appEndpoint(w.auth.Bundle(), suffix)
	resp, err := w.auth.do(ctx, authCall{
		withCookies: true,
		paced:       true,
		build: func(b *AuthBundle) (*nethttp.Request, error) {
			endpoint = w.appEndpoint(b, suffix)
			var body *bytes.Reader
			if data != nil {
				body = bytes.NewReader(data)
			}
			var req *nethttp.Request
			var err error
			if body != nil {
				req, err = nethttp.NewRequestWithContext(ctx, method, withLanguage(endpoint), body)
			} else {
				req, err = nethttp.NewRequestWithContext(ctx, method, withLanguage(endpoint), nil)
			}
			if err != nil {
				return nil, err
			}
			if data != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			req.Header.Set("Accept", "application/json")
			return req, nil
		},
	})
	if err != nil {
		return 0, nil, endpoint, stepFailure(kind, step, method, endpoint, err)
	}

	body, err := readBody(resp)
	if err != nil {
		return resp.StatusCode, nil, endpoint, api.WrapStepError(kind, step, method, endpoint, err)
	}
	return resp.StatusCode, body, endpoint, nil
}
