// Package publish drives a release to a platform and reports the outcome.
package publish

import (
	"context"
	nethttp "net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rescale/market-publish/internal/api"
	"github.com/rescale/market-publish/internal/bazaar"
	"github.com/rescale/market-publish/internal/config"
	inthttp "github.com/rescale/market-publish/internal/http"
	"github.com/rescale/market-publish/internal/logging"
	"github.com/rescale/market-publish/internal/myket"
	"github.com/rescale/market-publish/internal/progress"
	"github.com/rescale/market-publish/internal/release"
)

// Platform names used in reports.
const (
	PlatformMyket  = "myket"
	PlatformBazaar = "bazaar"
)

// MyketInput is one Myket release.
type MyketInput struct {
	Package           string
	ApkPath           string
	VersionCode       int
	VersionName       string
	MinSDK            int
	RolloutPercent    int
	Changelists       release.Changelists
	StrictValidation  bool
	RequireAddRelease bool
}

// BazaarInput is one Bazaar release.
type BazaarInput struct {
	ApkPath        string
	RolloutPercent int
	Changelists    release.Changelists
	DeveloperNote  string
	AutoPublish    bool
}

// Driver runs releases with one configuration and HTTP client.
type Driver struct {
	cfg        *config.Config
	httpClient *nethttp.Client
	logger     *logging.Logger
	reporter   progress.Reporter
	now        func() time.Time
}

// NewDriver builds the HTTP client from cfg and returns a Driver.
func NewDriver(cfg *config.Config, logger *logging.Logger, reporter progress.Reporter) (*Driver, error) {
	httpClient, err := inthttp.NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewDriverWithClient(cfg, httpClient, logger, reporter), nil
}

// NewDriverWithClient returns a Driver that sends through httpClient.
func NewDriverWithClient(cfg *config.Config, httpClient *nethttp.Client, logger *logging.Logger, reporter progress.Reporter) *Driver {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if reporter == nil {
		reporter = progress.NewNoOpProgress()
	}
	return &Driver{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		reporter:   reporter,
		now:        time.Now,
	}
}

func (d *Driver) begin(ctx context.Context, platform, apkPath string) (*Report, *logging.Logger, context.Context, context.CancelFunc, error) {
	report := &Report{
		RunID:        uuid.NewString(),
		Platform:     platform,
		ArtifactPath: apkPath,
		StartedAt:    d.now(),
	}
	logger := d.logger.WithFields("run_id", report.RunID, "platform", platform)

	artifact, err := release.InspectArtifact(apkPath)
	if err != nil {
		return report, logger, ctx, func() {}, err
	}
	report.ArtifactSize = artifact.Size
	report.ArtifactDigest = artifact.Digest
	logger.Info().
		Str("artifact", apkPath).
		Int64("size", artifact.Size).
		Str("digest", artifact.Digest).
		Msg("Publishing artifact")

	if d.cfg.Deadline > 0 {
		ctx, cancel := context.WithTimeout(ctx, d.cfg.Deadline)
		return report, logger, ctx, cancel, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	return report, logger, ctx, cancel, nil
}

func (d *Driver) finish(report *Report, logger *logging.Logger, err error) (*Report, error) {
	report.FinishedAt = d.now()
	if err != nil {
		report.Error = err.Error()
		report.ErrorStep = api.StepOf(err)
		logger.Error().Err(err).Str("step", report.ErrorStep).Msg("Publish failed")
		return report, err
	}
	logger.Info().Dur("elapsed", report.Duration()).Msg("Publish finished")
	return report, nil
}

// PublishMyket runs the Myket release workflow. The report is returned even
// when the run fails.
func (d *Driver) PublishMyket(ctx context.Context, in MyketInput) (*Report, error) {
	report, logger, ctx, cancel, err := d.begin(ctx, PlatformMyket, in.ApkPath)
	defer cancel()
	report.Package = in.Package
	report.VersionName = in.VersionName
	if err != nil {
		return d.finish(report, logger, err)
	}
	if err := d.cfg.ValidateForMyket(); err != nil {
		return d.finish(report, logger, err)
	}

	wf, err := myket.New(d.httpClient, myket.Options{
		APIURL:            d.cfg.MyketAPIURL,
		ResourceURL:       d.cfg.MyketResourceURL,
		UploadURL:         d.cfg.MyketUploadURL,
		PackageName:       in.Package,
		Credentials:       myket.Credentials{Identifier: d.cfg.MyketUsername, Secret: d.cfg.MyketPassword},
		ChunkSize:         d.cfg.ChunkSize,
		RequestTimeout:    d.cfg.RequestTimeout,
		ChunkTimeout:      d.cfg.ChunkTimeout,
		StrictValidation:  in.StrictValidation,
		RequireAddRelease: in.RequireAddRelease,
	}, logger, d.reporter)
	if err != nil {
		return d.finish(report, logger, err)
	}

	res, err := wf.Run(ctx, myket.Request{
		ApkPath:        in.ApkPath,
		VersionCode:    in.VersionCode,
		VersionName:    in.VersionName,
		MinSDK:         in.MinSDK,
		ChangelogFa:    in.Changelists.Fa,
		ChangelogEn:    in.Changelists.En,
		RolloutPercent: in.RolloutPercent,
	})
	report.State = wf.State().String()
	if res != nil {
		for _, s := range res.Steps {
			report.Steps = append(report.Steps, Step{Name: s.Name, Duration: s.Duration})
		}
		if res.Upload != nil {
			report.ArtifactLink = res.Upload.Link
		}
		if res.Constraints != nil {
			allowed := res.Constraints.AllowedAddRelease
			report.AllowedAddRelease = &allowed
		}
		if res.Validation != nil {
			report.ValidateStatus = res.Validation.ValidateStatus
		}
	}
	return d.finish(report, logger, err)
}

// PublishBazaar runs the Bazaar create, upload and commit flow.
func (d *Driver) PublishBazaar(ctx context.Context, in BazaarInput) (*Report, error) {
	report, logger, ctx, cancel, err := d.begin(ctx, PlatformBazaar, in.ApkPath)
	defer cancel()
	if err != nil {
		return d.finish(report, logger, err)
	}
	if err := d.cfg.ValidateForBazaar(); err != nil {
		return d.finish(report, logger, err)
	}

	client, err := bazaar.NewClient(d.httpClient, bazaar.Options{
		BaseURL:        d.cfg.BazaarAPIURL,
		APIKey:         d.cfg.BazaarAPIKey,
		RequestTimeout: d.cfg.RequestTimeout,
		UploadTimeout:  d.cfg.ChunkTimeout,
	}, logger, d.reporter)
	if err != nil {
		return d.finish(report, logger, err)
	}

	res, err := client.Publish(ctx, bazaar.Request{
		ApkPath:        in.ApkPath,
		ChangelogFa:    in.Changelists.Fa,
		ChangelogEn:    in.Changelists.En,
		DeveloperNote:  in.DeveloperNote,
		RolloutPercent: in.RolloutPercent,
		AutoPublish:    in.AutoPublish,
	})
	if res != nil {
		for _, s := range res.Steps {
			report.Steps = append(report.Steps, Step{Name: s.Name, Duration: s.Duration})
		}
	}
	return d.finish(report, logger, err)
}
