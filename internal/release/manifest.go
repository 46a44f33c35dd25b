// Package release loads the inputs of a publish run: the release manifest,
// the changelist files and the artifact itself.
package release

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/rescale/market-publish/internal/constants"
)

// Manifest describes one release. Relative paths are resolved against the
// manifest's directory.
//
//	package: ir.example.app
//	apk: build/app-release.apk
//	version_code: 42
//	version_name: 1.4.2
//	min_sdk: 21
//	rollout_percent: 10
//	changelog:
//	  fa_file: Market_Changelist_Fa.txt
//	  en_file: Market_Changelist_En.txt
type Manifest struct {
	Package        string    `yaml:"package" validate:"required,android_package"`
	APK            string    `yaml:"apk" validate:"required"`
	VersionCode    int       `yaml:"version_code" validate:"required,gt=0"`
	VersionName    string    `yaml:"version_name" validate:"required"`
	MinSDK         int       `yaml:"min_sdk" validate:"required,gt=0"`
	RolloutPercent *int      `yaml:"rollout_percent" validate:"omitempty,gte=0,lte=100"`
	Changelog      Changelog `yaml:"changelog"`
	Bazaar         Bazaar    `yaml:"bazaar"`
}

// Changelog gives each language either inline text or a file.
type Changelog struct {
	Fa     string `yaml:"fa" validate:"required_without=FaFile"`
	FaFile string `yaml:"fa_file" validate:"required_without=Fa"`
	En     string `yaml:"en" validate:"required_without=EnFile"`
	EnFile string `yaml:"en_file" validate:"required_without=En"`
}

// Bazaar holds options only the Bazaar flow uses.
type Bazaar struct {
	DeveloperNote string `yaml:"developer_note"`
	AutoPublish   bool   `yaml:"auto_publish"`
}

// Rollout returns the staged rollout percentage, defaulting when unset.
func (m *Manifest) Rollout() int {
	if m.RolloutPercent == nil {
		return constants.DefaultRolloutPercent
	}
	return *m.RolloutPercent
}

var androidPackage = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)+$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())

		// report yaml names in messages
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("yaml")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})

		_ = v.RegisterValidation("android_package", func(fl validator.FieldLevel) bool {
			return androidPackage.MatchString(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// Validate checks the manifest's fields.
func (m *Manifest) Validate() error {
	err := validatorInstance().Struct(m)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describeFieldError(fe))
	}
	return fmt.Errorf("invalid manifest: %s", strings.Join(msgs, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Manifest.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "required_without":
		return field + " is required unless its file/text counterpart is set"
	case "android_package":
		return fmt.Sprintf("%s %q is not a valid package name", field, fe.Value())
	case "gt":
		return field + " must be greater than " + fe.Param()
	case "gte", "lte":
		return field + " must be between 0 and 100"
	default:
		return field + " failed " + fe.Tag()
	}
}

// LoadManifest reads, resolves and validates a manifest file. Unknown keys
// are rejected.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	base := filepath.Dir(path)
	m.APK = resolve(base, m.APK)
	m.Changelog.FaFile = resolve(base, m.Changelog.FaFile)
	m.Changelog.EnFile = resolve(base, m.Changelog.EnFile)

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Changelists loads the manifest's changelog text, reading files where
// given.
func (m *Manifest) Changelists() (*Changelists, error) {
	fa, err := pick(m.Changelog.Fa, m.Changelog.FaFile)
	if err != nil {
		return nil, err
	}
	en, err := pick(m.Changelog.En, m.Changelog.EnFile)
	if err != nil {
		return nil, err
	}
	return &Changelists{Fa: fa, En: en}, nil
}

func pick(inline, file string) (string, error) {
	if file != "" {
		return LoadChangelist(file)
	}
	return NormalizeChangelist(inline), nil
}
