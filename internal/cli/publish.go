package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rescale/market-publish/internal/config"
	"github.com/rescale/market-publish/internal/constants"
	inthttp "github.com/rescale/market-publish/internal/http"
	"github.com/rescale/market-publish/internal/progress"
	"github.com/rescale/market-publish/internal/publish"
	"github.com/rescale/market-publish/internal/release"
)

// releaseFlags are the inputs shared by every platform.
type releaseFlags struct {
	manifest    string
	apk         string
	rollout     int
	changelogFa string
	changelogEn string
	jsonReport  bool
	overrides   config.Overrides
}

func (f *releaseFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.manifest, "manifest", "m", "", "Release manifest (YAML); flags override its values")
	fs.StringVar(&f.apk, "apk", "", "Path to the APK to publish")
	fs.IntVar(&f.rollout, "rollout", constants.DefaultRolloutPercent, "Staged rollout percentage (0-100)")
	fs.StringVar(&f.changelogFa, "changelog-fa", release.DefaultChangelistFa, "Persian changelist file (UTF-8)")
	fs.StringVar(&f.changelogEn, "changelog-en", release.DefaultChangelistEn, "English changelist file (UTF-8)")
	fs.BoolVar(&f.jsonReport, "json", false, "Print the run report as JSON")
	fs.StringVar(&f.overrides.ProxyMode, "proxy-mode", "", "Proxy mode: no-proxy, system, basic, ntlm")
	fs.StringVar(&f.overrides.ProxyHost, "proxy-host", "", "Proxy host")
	fs.IntVar(&f.overrides.ProxyPort, "proxy-port", 0, "Proxy port")
}

// resolved holds the release inputs after manifest and flags are merged.
type resolved struct {
	manifest    *release.Manifest
	apk         string
	rollout     int
	changelists release.Changelists
}

func (f *releaseFlags) resolve(fs *pflag.FlagSet) (*resolved, error) {
	r := &resolved{apk: f.apk, rollout: f.rollout}

	if f.manifest != "" {
		m, err := release.LoadManifest(f.manifest)
		if err != nil {
			return nil, err
		}
		r.manifest = m
		if !fs.Changed("apk") {
			r.apk = m.APK
		}
		if !fs.Changed("rollout") {
			r.rollout = m.Rollout()
		}
	}
	if r.apk == "" {
		return nil, fmt.Errorf("--apk or --manifest is required")
	}
	if r.rollout < 0 || r.rollout > 100 {
		return nil, fmt.Errorf("--rollout must be between 0 and 100, got %d", r.rollout)
	}

	// Changelist files given as flags win over the manifest.
	if r.manifest != nil && !fs.Changed("changelog-fa") && !fs.Changed("changelog-en") {
		cl, err := r.manifest.Changelists()
		if err != nil {
			return nil, err
		}
		r.changelists = *cl
		return r, nil
	}
	fa, err := release.LoadChangelist(f.changelogFa)
	if err != nil {
		return nil, err
	}
	en, err := release.LoadChangelist(f.changelogEn)
	if err != nil {
		return nil, err
	}
	r.changelists = release.Changelists{Fa: fa, En: en}
	return r, nil
}

// prepare loads the config, applies overrides and asks for a proxy password
// when one is needed.
func prepare(cmd *cobra.Command, o config.Overrides) (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.MergeWithFlags(o); err != nil {
		return nil, err
	}
	if inthttp.NeedsProxyPassword(cfg) {
		p := newPrompter(os.Stdin, cmd.ErrOrStderr())
		if cfg.ProxyPassword, err = p.askSecret("Proxy password for "+cfg.ProxyUser, ""); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newDriver(cfg *config.Config) (*publish.Driver, error) {
	log := GetLogger()
	return publish.NewDriver(cfg, log, progress.New(log, quiet))
}

func writeReport(w io.Writer, report *publish.Report, asJSON bool) error {
	if report == nil {
		return nil
	}
	if asJSON {
		return report.WriteJSON(w)
	}
	return report.WriteText(w)
}

// newPublishCmd creates the 'publish' command group.
func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish an APK to a store",
		Long: `Publish a built APK.

Commands:
  myket   - Upload and create a draft release on Myket
  bazaar  - Upload and commit a release on Cafe Bazaar`,
	}
	cmd.AddCommand(newPublishMyketCmd())
	cmd.AddCommand(newPublishBazaarCmd())
	return cmd
}

func newPublishMyketCmd() *cobra.Command {
	var (
		flags             releaseFlags
		pkg               string
		versionCode       int
		versionName       string
		minSDK            int
		lenient           bool
		requireAddRelease bool
	)

	cmd := &cobra.Command{
		Use:   "myket",
		Short: "Publish to Myket as a draft release",
		Long: `Sign in to the Myket developer panel, upload the APK with the resumable
upload protocol, register and validate the version, then create a draft
release with the Persian and English changelists.

Nothing is retried: on failure the command prints the failing step, the
HTTP status and the server's response, and the run must be started again.

Examples:
  market-publish publish myket --manifest release.yaml
  market-publish publish myket --apk app.apk --package ir.example.app \
      --version-code 42 --version-name 1.4.2 --min-sdk 21`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := cmd.Flags()
			in, err := flags.resolve(fs)
			if err != nil {
				return err
			}
			if m := in.manifest; m != nil {
				if !fs.Changed("package") {
					pkg = m.Package
				}
				if !fs.Changed("version-code") {
					versionCode = m.VersionCode
				}
				if !fs.Changed("version-name") {
					versionName = m.VersionName
				}
				if !fs.Changed("min-sdk") {
					minSDK = m.MinSDK
				}
			}
			if pkg == "" || versionCode <= 0 || versionName == "" || minSDK <= 0 {
				return fmt.Errorf("--package, --version-code, --version-name and --min-sdk are required without a manifest")
			}

			cfg, err := prepare(cmd, flags.overrides)
			if err != nil {
				return err
			}
			driver, err := newDriver(cfg)
			if err != nil {
				return err
			}

			report, err := driver.PublishMyket(GetContext(), publish.MyketInput{
				Package:           pkg,
				ApkPath:           in.apk,
				VersionCode:       versionCode,
				VersionName:       versionName,
				MinSDK:            minSDK,
				RolloutPercent:    in.rollout,
				Changelists:       in.changelists,
				StrictValidation:  !lenient,
				RequireAddRelease: requireAddRelease,
			})
			if werr := writeReport(cmd.OutOrStdout(), report, flags.jsonReport); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}

	fs := cmd.Flags()
	flags.register(fs)
	fs.StringVar(&pkg, "package", "", "Application package name")
	fs.IntVar(&versionCode, "version-code", 0, "Version code of the APK")
	fs.StringVar(&versionName, "version-name", "", "Version name, used as the release title")
	fs.IntVar(&minSDK, "min-sdk", 0, "Minimum SDK level of the APK")
	fs.BoolVar(&lenient, "lenient-validation", false, "Continue when the panel rejects version validation")
	fs.BoolVar(&requireAddRelease, "require-add-release", false, "Stop before uploading if the panel does not allow a new release")
	fs.StringVar(&flags.overrides.MyketUsername, "username", "", "Myket account (overrides config and MYKET_USERNAME)")
	fs.StringVar(&flags.overrides.MyketPassword, "password", "", "Myket password (prefer --password-file)")
	fs.StringVar(&flags.overrides.MyketPasswordFile, "password-file", "", "File containing the Myket password")
	fs.IntVar(&flags.overrides.ChunkSize, "chunk-size", 0, "Bytes per upload request (default from config)")

	return cmd
}

func newPublishBazaarCmd() *cobra.Command {
	var (
		flags         releaseFlags
		developerNote string
		autoPublish   bool
	)

	cmd := &cobra.Command{
		Use:   "bazaar",
		Short: "Publish to Cafe Bazaar",
		Long: `Create a release on Cafe Bazaar, upload the APK in a single request and
commit the release with the changelists and staged rollout.

Make sure no other release is in progress on the Pishkhan panel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := cmd.Flags()
			in, err := flags.resolve(fs)
			if err != nil {
				return err
			}
			if m := in.manifest; m != nil {
				if !fs.Changed("developer-note") {
					developerNote = m.Bazaar.DeveloperNote
				}
				if !fs.Changed("auto-publish") {
					autoPublish = m.Bazaar.AutoPublish
				}
			}

			cfg, err := prepare(cmd, flags.overrides)
			if err != nil {
				return err
			}
			driver, err := newDriver(cfg)
			if err != nil {
				return err
			}

			report, err := driver.PublishBazaar(GetContext(), publish.BazaarInput{
				ApkPath:        in.apk,
				RolloutPercent: in.rollout,
				Changelists:    in.changelists,
				DeveloperNote:  developerNote,
				AutoPublish:    autoPublish,
			})
			if werr := writeReport(cmd.OutOrStdout(), report, flags.jsonReport); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}

	fs := cmd.Flags()
	flags.register(fs)
	fs.StringVar(&developerNote, "developer-note", "", "Note to the store reviewers")
	fs.BoolVar(&autoPublish, "auto-publish", false, "Publish automatically once approved")
	fs.StringVar(&flags.overrides.BazaarAPIKey, "api-key", "", "Pishkhan API secret (prefer --api-key-file)")
	fs.StringVar(&flags.overrides.BazaarAPIKeyFile, "api-key-file", "", "File containing the Pishkhan API secret")

	return cmd
}
