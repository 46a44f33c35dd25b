package myket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/rescale/market-publish/internal/api"
	"github.com/rescale/market-publish/internal/platformtest"
)

const testPackage = "ir.example.app"

func writeArtifact(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "app-release.apk")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path, data
}

func testOptions(fake *platformtest.Myket) Options {
	return Options{
		APIURL:           fake.URL(),
		ResourceURL:      "https://resource.example.test",
		UploadURL:        fake.URL(),
		PackageName:      testPackage,
		Credentials:      Credentials{Identifier: "dev@example.com", Secret: "hunter2"},
		ChunkSize:        1024000,
		StrictValidation: true,
	}
}

func newTestWorkflow(t *testing.T, fake *platformtest.Myket, mutate ...func(*Options)) *Workflow {
	t.Helper()
	opts := testOptions(fake)
	for _, fn := range mutate {
		fn(&opts)
	}
	w, err := New(fake.Client(), opts, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return w
}

func testRequest(path string) Request {
	return Request{
		ApkPath:        path,
		VersionCode:    42,
		VersionName:    "1.4.2",
		MinSDK:         21,
		ChangelogFa:    "fa-text",
		ChangelogEn:    "en-text",
		RolloutPercent: 10,
	}
}

func TestHashSecret(t *testing.T) {
	// sha1("hunter2")
	want := "f3bbbd66a63d4bf1747940578ec3d0103530e21d"
	if got := HashSecret("hunter2"); got != want {
		t.Errorf("HashSecret() = %s, want %s", got, want)
	}
}

func TestEnsureAuthenticatedIsIdempotent(t *testing.T) {
	fake := platformtest.NewMyket(func(m *platformtest.Myket) {
		m.SecretHash = HashSecret("hunter2")
	})
	defer fake.Close()

	auth := NewAuthenticator(fake.Client(), fake.URL(), Credentials{Identifier: "dev@example.com", Secret: "hunter2"}, nil)
	if _, err := auth.AuthorizationHeader(); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("AuthorizationHeader() before sign-in error = %v, want ErrNotAuthenticated", err)
	}

	for i := 0; i < 3; i++ {
		if err := auth.EnsureAuthenticated(context.Background()); err != nil {
			t.Fatalf("EnsureAuthenticated() error = %v", err)
		}
	}
	if n := len(fake.RequestsFor(platformtest.RouteSignIn)); n != 1 {
		t.Errorf("sign-in requests = %d, want 1", n)
	}

	signIn := fake.RequestsFor(platformtest.RouteSignIn)[0]
	if signIn.Query != "lang=fa" {
		t.Errorf("sign-in query = %q, want lang=fa", signIn.Query)
	}
	body := string(signIn.Body)
	for _, want := range []string{"identifier=dev%40example.com", "retry=false", "secret=" + HashSecret("hunter2"), "verificationCode="} {
		if !strings.Contains(body, want) {
			t.Errorf("sign-in form %q missing %q", body, want)
		}
	}
	if strings.Contains(body, "hunter2") {
		t.Error("sign-in form carries the plain password")
	}

	token, err := auth.AuthorizationHeader()
	if err != nil || token != fake.Token() {
		t.Errorf("AuthorizationHeader() = %q, %v; want %q", token, err, fake.Token())
	}
	cookies, err := auth.Cookies()
	if err != nil {
		t.Fatalf("Cookies() error = %v", err)
	}
	got := map[string]string{}
	for _, c := range cookies {
		got[c.Name] = c.Value
	}
	if got[CookieAccessToken] != token || got[CookieAccountID] != "acc-42" || got[CookieSecureID] != "sec-7" {
		t.Errorf("Cookies() = %v", got)
	}
}

func TestSignInIncompleteBundle(t *testing.T) {
	fake := platformtest.NewMyket(func(m *platformtest.Myket) {
		m.SignInBody = `{"token":"t","accountId":"","secureId":"s"}`
	})
	defer fake.Close()

	auth := NewAuthenticator(fake.Client(), fake.URL(), Credentials{Identifier: "dev@example.com", Secret: "x"}, nil)
	err := auth.EnsureAuthenticated(context.Background())
	if !errors.Is(err, api.ErrAuthentication) {
		t.Fatalf("EnsureAuthenticated() error = %v, want ErrAuthentication", err)
	}
	if auth.Bundle() != nil {
		t.Error("bundle cached after incomplete response")
	}
}

func TestSignInRejectedStopsBeforeAnyOtherCall(t *testing.T) {
	fake := platformtest.NewMyket(func(m *platformtest.Myket) {
		m.SignInStatus = 401
	})
	defer fake.Close()

	path, _ := writeArtifact(t, 10)
	w := newTestWorkflow(t, fake)

	_, err := w.Run(context.Background(), testRequest(path))
	if !errors.Is(err, api.ErrAuthentication) {
		t.Fatalf("Run() error = %v, want ErrAuthentication", err)
	}
	if api.StatusOf(err) != 401 {
		t.Errorf("StatusOf() = %d, want 401", api.StatusOf(err))
	}
	if !strings.Contains(api.BodyOf(err), "invalid credentials") {
		t.Errorf("BodyOf() = %q, want server body", api.BodyOf(err))
	}
	if routes := fake.Routes(); len(routes) != 1 || routes[0] != platformtest.RouteSignIn {
		t.Errorf("routes = %v, want only sign-in", routes)
	}
	if w.State() != StateUnauthenticated {
		t.Errorf("State() = %s, want unauthenticated", w.State())
	}
}

func TestRunHappyPath(t *testing.T) {
	fake := platformtest.NewMyket()
	defer fake.Close()

	path, data := writeArtifact(t, 2500000)
	w := newTestWorkflow(t, fake)

	res, err := w.Run(context.Background(), testRequest(path))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if w.State() != StateDrafted {
		t.Errorf("State() = %s, want drafted", w.State())
	}

	wantRoutes := []string{
		platformtest.RouteSignIn,
		platformtest.RouteConstraints,
		platformtest.RouteCreateSession,
		platformtest.RoutePatchChunk,
		platformtest.RoutePatchChunk,
		platformtest.RoutePatchChunk,
		platformtest.RouteVersions,
		platformtest.RouteValidate,
		platformtest.RouteReleases,
	}
	if got := fake.Routes(); strings.Join(got, ",") != strings.Join(wantRoutes, ",") {
		t.Errorf("routes = %v, want %v", got, wantRoutes)
	}

	// Chunk offsets and sizes for 2,500,000 bytes at 1,024,000 per chunk.
	chunks := fake.RequestsFor(platformtest.RoutePatchChunk)
	wantOffsets := []int{0, 1024000, 2048000}
	wantSizes := []int{1024000, 1024000, 452000}
	for i, c := range chunks {
		if got := c.Header.Get("Upload-Offset"); got != strconv.Itoa(wantOffsets[i]) {
			t.Errorf("chunk %d Upload-Offset = %s, want %d", i, got, wantOffsets[i])
		}
		if len(c.Body) != wantSizes[i] {
			t.Errorf("chunk %d size = %d, want %d", i, len(c.Body), wantSizes[i])
		}
		if c.Header.Get("Tus-Resumable") != "1.0.0" {
			t.Errorf("chunk %d missing Tus-Resumable", i)
		}
	}

	id := strings.TrimPrefix(res.Upload.SessionURL, fake.URL()+"/developers/apk/")
	up, ok := fake.Upload(id)
	if !ok {
		t.Fatalf("upload %s not found on server", id)
	}
	if !bytes.Equal(up.Data, data) {
		t.Error("server content differs from artifact")
	}
	if up.Metadata["filename"] != "app-release.apk" || up.Metadata["filetype"] != "application/vnd.android.package-archive" {
		t.Errorf("Upload-Metadata = %v", up.Metadata)
	}
	if res.Upload.Chunks != 3 || res.Upload.Size != 2500000 {
		t.Errorf("upload result = %+v", res.Upload)
	}

	wantLink := "https://resource.example.test/Uploads/" + id + "/" + id + ".apk"
	if res.Upload.Link != wantLink {
		t.Errorf("link = %s, want %s", res.Upload.Link, wantLink)
	}

	// Every API call carries lang=fa and the cookie set.
	for _, r := range fake.Requests() {
		switch r.Route {
		case platformtest.RouteConstraints, platformtest.RouteVersions, platformtest.RouteValidate, platformtest.RouteReleases:
			if r.Query != "lang=fa" {
				t.Errorf("%s query = %q, want lang=fa", r.Route, r.Query)
			}
			if !strings.Contains(r.Header.Get("Cookie"), "accountId=acc-42") {
				t.Errorf("%s cookies = %q", r.Route, r.Header.Get("Cookie"))
			}
			if !strings.HasPrefix(r.Path, "/developers/acc-42/applications/"+testPackage+"/") {
				t.Errorf("%s path = %s", r.Route, r.Path)
			}
		}
	}

	var reg map[string]string
	json.Unmarshal(fake.RequestsFor(platformtest.RouteVersions)[0].Body, &reg)
	if reg["ApkLink"] != wantLink {
		t.Errorf("versions body = %v", reg)
	}

	var validate struct {
		Versions []map[string]string `json:"versions"`
	}
	json.Unmarshal(fake.RequestsFor(platformtest.RouteValidate)[0].Body, &validate)
	if len(validate.Versions) != 1 || validate.Versions[0]["versionCode"] != "42" || validate.Versions[0]["sdk"] != "21" {
		t.Errorf("validate body = %+v", validate)
	}

	if len(res.Steps) != 5 {
		t.Errorf("steps = %d, want 5", len(res.Steps))
	}
	if !res.Constraints.AllowedAddRelease {
		t.Error("constraints not decoded")
	}
}

func TestDraftPayload(t *testing.T) {
	fake := platformtest.NewMyket()
	defer fake.Close()

	path, _ := writeArtifact(t, 100)
	w := newTestWorkflow(t, fake)
	if _, err := w.Run(context.Background(), testRequest(path)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var draft struct {
		Title                string `json:"title"`
		StagedRolloutPercent int    `json:"stagedRolloutPercent"`
		TranslationInfos     []struct {
			Description string `json:"description"`
			Language    string `json:"language"`
		} `json:"translationInfos"`
		Versions []struct {
			ApkLink string `json:"apkLink"`
			Case    int    `json:"case"`
		} `json:"versions"`
	}
	if err := json.Unmarshal(fake.RequestsFor(platformtest.RouteReleases)[0].Body, &draft); err != nil {
		t.Fatalf("decode draft: %v", err)
	}
	if draft.Title != "1.4.2" || draft.StagedRolloutPercent != 10 {
		t.Errorf("draft = %+v", draft)
	}
	if len(draft.TranslationInfos) != 2 ||
		draft.TranslationInfos[0].Description != "<p>fa-text</p>" || draft.TranslationInfos[0].Language != "Fa" ||
		draft.TranslationInfos[1].Description != "<p>en-text</p>" || draft.TranslationInfos[1].Language != "En" {
		t.Errorf("translationInfos = %+v", draft.TranslationInfos)
	}
	if len(draft.Versions) != 1 || draft.Versions[0].Case != 0 || !strings.HasSuffix(draft.Versions[0].ApkLink, ".apk") {
		t.Errorf("versions = %+v", draft.Versions)
	}
}

func TestChunkCount(t *testing.T) {
	tests := []struct {
		size, chunk, want int
	}{
		{1, 1024000, 1},
		{1024000, 1024000, 1},
		{1024001, 1024000, 2},
		{300000, 65536, 5},
	}
	for _, tt := range tests {
		fake := platformtest.NewMyket()
		path, _ := writeArtifact(t, tt.size)
		w := newTestWorkflow(t, fake, func(o *Options) { o.ChunkSize = tt.chunk })

		res, err := w.uploader.upload(context.Background(), path)
		if err != nil {
			t.Fatalf("upload(%d/%d) error = %v", tt.size, tt.chunk, err)
		}
		if res.Chunks != tt.want {
			t.Errorf("upload(%d/%d) chunks = %d, want %d", tt.size, tt.chunk, res.Chunks, tt.want)
		}

		last := -1
		for _, c := range fake.RequestsFor(platformtest.RoutePatchChunk) {
			off, _ := strconv.Atoi(c.Header.Get("Upload-Offset"))
			if off <= last {
				t.Errorf("offsets not strictly increasing: %d after %d", off, last)
			}
			last = off
		}
		fake.Close()
	}
}

func TestZeroByteArtifactSendsNoChunk(t *testing.T) {
	fake := platformtest.NewMyket()
	defer fake.Close()

	path, _ := writeArtifact(t, 0)
	w := newTestWorkflow(t, fake)

	link, err := w.Uploader().Upload(context.Background(), path)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if !strings.HasSuffix(link, ".apk") {
		t.Errorf("link = %s", link)
	}
	if n := len(fake.RequestsFor(platformtest.RoutePatchChunk)); n != 0 {
		t.Errorf("PATCH requests = %d, want 0", n)
	}
	if n := len(fake.RequestsFor(platformtest.RouteCreateSession)); n != 1 {
		t.Errorf("session requests = %d, want 1", n)
	}
}

func TestChunkRejectedAbortsWithOffset(t *testing.T) {
	fake := platformtest.NewMyket(func(m *platformtest.Myket) {
		m.FailChunk = 2
		m.FailChunkStatus = 500
	})
	defer fake.Close()

	path, _ := writeArtifact(t, 2500000)
	w := newTestWorkflow(t, fake)

	_, err := w.Run(context.Background(), testRequest(path))
	if !errors.Is(err, api.ErrChunkUpload) {
		t.Fatalf("Run() error = %v, want ErrChunkUpload", err)
	}
	var se *api.StepError
	if !errors.As(err, &se) || se.Offset != 1024000 || se.StatusCode != 500 {
		t.Errorf("StepError = %+v, want offset 1024000 status 500", se)
	}
	if n := len(fake.RequestsFor(platformtest.RoutePatchChunk)); n != 2 {
		t.Errorf("PATCH requests = %d, want 2", n)
	}
	if n := len(fake.RequestsFor(platformtest.RouteVersions)); n != 0 {
		t.Errorf("versions called after failed upload")
	}
	if w.State() != StateConstraintsKnown {
		t.Errorf("State() = %s, want constraints-known", w.State())
	}
}

func TestSessionCreationFailures(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*platformtest.Myket)
		status    int
	}{
		{"non-201", func(m *platformtest.Myket) { m.CreateSessionStatus = 413 }, 413},
		{"missing location", func(m *platformtest.Myket) { m.OmitLocation = true }, 201},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := platformtest.NewMyket(tt.configure)
			defer fake.Close()

			path, _ := writeArtifact(t, 5000)
			w := newTestWorkflow(t, fake)

			_, err := w.Run(context.Background(), testRequest(path))
			if !errors.Is(err, api.ErrUploadSession) {
				t.Fatalf("Run() error = %v, want ErrUploadSession", err)
			}
			if api.StatusOf(err) != tt.status {
				t.Errorf("StatusOf() = %d, want %d", api.StatusOf(err), tt.status)
			}
			if n := len(fake.RequestsFor(platformtest.RoutePatchChunk)); n != 0 {
				t.Errorf("PATCH requests = %d, want 0", n)
			}
		})
	}
}

func TestAbsoluteLocationAccepted(t *testing.T) {
	fake := platformtest.NewMyket(func(m *platformtest.Myket) { m.AbsoluteLocation = true })
	defer fake.Close()

	path, _ := writeArtifact(t, 2000)
	w := newTestWorkflow(t, fake)
	res, err := w.uploader.upload(context.Background(), path)
	if err != nil {
		t.Fatalf("upload() error = %v", err)
	}
	if !strings.HasPrefix(res.SessionURL, fake.URL()+"/developers/apk/") {
		t.Errorf("SessionURL = %s", res.SessionURL)
	}
}

func TestArtifactLink(t *testing.T) {
	tests := []struct {
		resource, session, want string
		wantErr                 bool
	}{
		{"https://resource.myket.ir", "https://raven.myket.ir/developers/apk/abc123", "https://resource.myket.ir/Uploads/abc123/abc123.apk", false},
		{"https://resource.myket.ir/", "https://raven.myket.ir/developers/apk/abc123/", "https://resource.myket.ir/Uploads/abc123/abc123.apk", false},
		{"https://resource.myket.ir", "https://raven.myket.ir/", "", true},
	}
	for _, tt := range tests {
		got, err := ArtifactLink(tt.resource, tt.session)
		if (err != nil) != tt.wantErr {
			t.Errorf("ArtifactLink(%q) error = %v, wantErr %v", tt.session, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ArtifactLink(%q) = %s, want %s", tt.session, got, tt.want)
		}
	}

	// Same session id, same link.
	a, _ := ArtifactLink("https://r", "https://x/developers/apk/same")
	b, _ := ArtifactLink("https://r", "https://y/other/path/same")
	if a != b {
		t.Errorf("links differ for the same id: %s vs %s", a, b)
	}
}

func TestReauthenticatesOnceOnRejectedToken(t *testing.T) {
	fake := platformtest.NewMyket(func(m *platformtest.Myket) {
		m.ExpireTokenOn = platformtest.RouteValidate
	})
	defer fake.Close()

	path, _ := writeArtifact(t, 100)
	w := newTestWorkflow(t, fake)

	if _, err := w.Run(context.Background(), testRequest(path)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := len(fake.RequestsFor(platformtest.RouteSignIn)); n != 2 {
		t.Errorf("sign-in requests = %d, want 2", n)
	}
	if n := len(fake.RequestsFor(platformtest.RouteValidate)); n != 2 {
		t.Errorf("validate requests = %d, want 2", n)
	}
	if w.Authenticator().SignInCount() != 2 {
		t.Errorf("SignInCount() = %d, want 2", w.Authenticator().SignInCount())
	}
}

func TestPersistentRejectionIsNotRetriedTwice(t *testing.T) {
	fake := platformtest.NewMyket(func(m *platformtest.Myket) {
		m.RejectRoute = platformtest.RouteReleases
	})
	defer fake.Close()

	path, _ := writeArtifact(t, 100)
	w := newTestWorkflow(t, fake)

	_, err := w.Run(context.Background(), testRequest(path))
	if !errors.Is(err, api.ErrDraftCreation) || api.StatusOf(err) != 401 {
		t.Fatalf("Run() error = %v, want ErrDraftCreation with 401", err)
	}
	if n := len(fake.RequestsFor(platformtest.RouteReleases)); n != 2 {
		t.Errorf("releases requests = %d, want 2", n)
	}
	if n := len(fake.RequestsFor(platformtest.RouteSignIn)); n != 2 {
		t.Errorf("sign-in requests = %d, want 2", n)
	}
	if w.State() != StateValidated {
		t.Errorf("State() = %s, want validated", w.State())
	}
}

func TestValidationStrictAndLenient(t *testing.T) {
	reject := func(m *platformtest.Myket) { m.ValidateStatus = 400 }

	t.Run("strict", func(t *testing.T) {
		fake := platformtest.NewMyket(reject)
		defer fake.Close()
		path, _ := writeArtifact(t, 100)
		w := newTestWorkflow(t, fake)

		_, err := w.Run(context.Background(), testRequest(path))
		if !errors.Is(err, api.ErrValidation) || api.StatusOf(err) != 400 {
			t.Fatalf("Run() error = %v, want ErrValidation 400", err)
		}
		if n := len(fake.RequestsFor(platformtest.RouteReleases)); n != 0 {
			t.Errorf("draft created after failed validation")
		}
	})

	t.Run("lenient", func(t *testing.T) {
		fake := platformtest.NewMyket(reject)
		defer fake.Close()
		path, _ := writeArtifact(t, 100)
		w := newTestWorkflow(t, fake, func(o *Options) { o.StrictValidation = false })

		res, err := w.Run(context.Background(), testRequest(path))
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.Validation.Valid() || res.Validation.ValidateStatus != 400 {
			t.Errorf("validation = %+v, want recorded 400", res.Validation)
		}
		if w.State() != StateDrafted {
			t.Errorf("State() = %s, want drafted", w.State())
		}
	})
}

func TestStepFailuresCarryKind(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*platformtest.Myket)
		kind      error
		state     State
	}{
		{"constraints", func(m *platformtest.Myket) { m.ConstraintsStatus = 403 }, api.ErrConstraintQuery, StateAuthenticated},
		{"versions", func(m *platformtest.Myket) { m.VersionsStatus = 409 }, api.ErrVersionRegistration, StateUploaded},
		{"draft", func(m *platformtest.Myket) { m.DraftStatus = 422 }, api.ErrDraftCreation, StateValidated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := platformtest.NewMyket(tt.configure)
			defer fake.Close()
			path, _ := writeArtifact(t, 100)
			w := newTestWorkflow(t, fake)

			_, err := w.Run(context.Background(), testRequest(path))
			if !errors.Is(err, tt.kind) {
				t.Fatalf("Run() error = %v, want %v", err, tt.kind)
			}
			if w.State() != tt.state {
				t.Errorf("State() = %s, want %s", w.State(), tt.state)
			}
		})
	}
}

func TestRequireAddRelease(t *testing.T) {
	fake := platformtest.NewMyket(func(m *platformtest.Myket) {
		m.ConstraintsBody = `{"allowedAddRelease":false}`
	})
	defer fake.Close()

	path, _ := writeArtifact(t, 100)
	w := newTestWorkflow(t, fake, func(o *Options) { o.RequireAddRelease = true })

	_, err := w.Run(context.Background(), testRequest(path))
	if !errors.Is(err, api.ErrConstraintQuery) {
		t.Fatalf("Run() error = %v, want ErrConstraintQuery", err)
	}
	if n := len(fake.RequestsFor(platformtest.RouteCreateSession)); n != 0 {
		t.Errorf("upload started although release not allowed")
	}
}

func TestDraftRejectsRolloutOutOfRange(t *testing.T) {
	fake := platformtest.NewMyket()
	defer fake.Close()
	w := newTestWorkflow(t, fake)

	for _, p := range []int{-1, 101} {
		_, err := w.Draft(context.Background(), "https://r/Uploads/a/a.apk", "1.0", "fa", "en", p)
		if !errors.Is(err, api.ErrDraftCreation) {
			t.Errorf("Draft(rollout=%d) error = %v, want ErrDraftCreation", p, err)
		}
	}
	if n := len(fake.Requests()); n != 0 {
		t.Errorf("requests = %d, want 0", n)
	}
}

func TestRunCannotBeRepeated(t *testing.T) {
	fake := platformtest.NewMyket()
	defer fake.Close()

	path, _ := writeArtifact(t, 100)
	w := newTestWorkflow(t, fake)
	if _, err := w.Run(context.Background(), testRequest(path)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := w.Run(context.Background(), testRequest(path)); err == nil {
		t.Error("second Run() succeeded, want error")
	}
}

func TestOptionsValidate(t *testing.T) {
	fake := platformtest.NewMyket()
	defer fake.Close()

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"missing package", func(o *Options) { o.PackageName = "" }},
		{"bad api url", func(o *Options) { o.APIURL = "not a url" }},
		{"no credentials", func(o *Options) { o.Credentials = Credentials{} }},
		{"negative chunk", func(o *Options) { o.ChunkSize = -1 }},
	}
	for _, tt := range tests {
		opts := testOptions(fake)
		tt.mutate(&opts)
		if _, err := New(fake.Client(), opts, nil, nil); err == nil {
			t.Errorf("%s: New() succeeded, want error", tt.name)
		}
	}
}
