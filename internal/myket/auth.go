package myket

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	nethttp "net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rescale/market-publish/internal/api"
	"github.com/rescale/market-publish/internal/logging"
	"github.com/rescale/market-publish/internal/models"
)

// Cookie names the panel expects on authenticated API calls.
const (
	CookieAccessToken = "myketAccessToken"
	CookieAccountID   = "accountId"
	CookieSecureID    = "secureId"
)

const stepSignIn = "sign-in"

// ErrNotAuthenticated is returned by accessors used before sign-in.
var ErrNotAuthenticated = errors.New("not authenticated")

// Credentials identify a developer account. Secret is the plain password;
// it is digested before it leaves the process.
type Credentials struct {
	Identifier string
	Secret     string
}

// HashSecret returns the lowercase hex SHA-1 digest the sign-in endpoint
// expects in place of the password.
func HashSecret(secret string) string {
	sum := sha1.Sum([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// AuthBundle is the session material returned by sign-in. It is never
// modified after it is built.
type AuthBundle struct {
	token      string
	accountID  string
	accountKey string
	secureID   string
	role       string
	is2Step    bool
	result     string
}

func (b *AuthBundle) Token() string      { return b.token }
func (b *AuthBundle) AccountID() string  { return b.accountID }
func (b *AuthBundle) AccountKey() string { return b.accountKey }
func (b *AuthBundle) SecureID() string   { return b.secureID }
func (b *AuthBundle) Role() string       { return b.role }
func (b *AuthBundle) Is2Step() bool      { return b.is2Step }
func (b *AuthBundle) Result() string     { return b.result }

func bundleFromResponse(r *models.SignInResponse) (*AuthBundle, error) {
	var missing []string
	if r.Token == "" {
		missing = append(missing, "token")
	}
	if r.AccountID == "" {
		missing = append(missing, "accountId")
	}
	if r.SecureID == "" {
		missing = append(missing, "secureId")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("sign-in response missing %s", strings.Join(missing, ", "))
	}
	return &AuthBundle{
		token:      r.Token,
		accountID:  r.AccountID,
		accountKey: r.AccountKey,
		secureID:   r.SecureID,
		role:       r.Role,
		is2Step:    r.Is2Step,
		result:     r.Result,
	}, nil
}

// Authenticator signs in to the developer panel and decorates later
// requests with the resulting token and cookies.
type Authenticator struct {
	doer   *doer
	apiURL string
	creds  Credentials
	logger *logging.Logger

	mu      sync.Mutex
	bundle  *AuthBundle
	signIns int
}

// NewAuthenticator creates an Authenticator that signs in against apiURL.
func NewAuthenticator(httpClient *nethttp.Client, apiURL string, creds Credentials, logger *logging.Logger) *Authenticator {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return newAuthenticator(&doer{client: httpClient, logger: logger}, apiURL, creds, logger)
}

func newAuthenticator(d *doer, apiURL string, creds Credentials, logger *logging.Logger) *Authenticator {
	return &Authenticator{
		doer:   d,
		apiURL: strings.TrimSuffix(apiURL, "/"),
		creds:  creds,
		logger: logger,
	}
}

// EnsureAuthenticated signs in unless a token is already held. Token
// presence is the only check; expiry is detected by the server rejecting a
// later call.
func (a *Authenticator) EnsureAuthenticated(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bundle != nil && a.bundle.token != "" {
		return nil
	}

	bundle, err := a.signIn(ctx)
	if err != nil {
		return err
	}
	a.bundle = bundle
	a.signIns++

	a.logger.Info().
		Str("account_id", bundle.accountID).
		Str("role", bundle.role).
		Bool("two_step", bundle.is2Step).
		Msg("Signed in to Myket developer panel")
	return nil
}

// signIn must be called with a.mu held.
func (a *Authenticator) signIn(ctx context.Context) (*AuthBundle, error) {
	endpoint := a.apiURL + "/dev-auth/signin/"

	form := url.Values{}
	form.Set("identifier", a.creds.Identifier)
	form.Set("retry", "false")
	form.Set("secret", HashSecret(a.creds.Secret))
	form.Set("verificationCode", "")

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, withLanguage(endpoint), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, api.WrapStepError(api.ErrAuthentication, stepSignIn, nethttp.MethodPost, endpoint, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.doer.send(req, true)
	if err != nil {
		return nil, api.WrapStepError(api.ErrAuthentication, stepSignIn, nethttp.MethodPost, endpoint, err)
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, api.WrapStepError(api.ErrAuthentication, stepSignIn, nethttp.MethodPost, endpoint, err)
	}
	if !api.IsSuccess(resp.StatusCode) {
		return nil, api.NewStepError(api.ErrAuthentication, stepSignIn, nethttp.MethodPost, endpoint, resp.StatusCode, body)
	}

	var parsed models.SignInResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		se := api.NewStepError(api.ErrAuthentication, stepSignIn, nethttp.MethodPost, endpoint, resp.StatusCode, body)
		se.Err = fmt.Errorf("decode sign-in response: %w", err)
		return nil, se
	}
	bundle, err := bundleFromResponse(&parsed)
	if err != nil {
		se := api.NewStepError(api.ErrAuthentication, stepSignIn, nethttp.MethodPost, endpoint, resp.StatusCode, body)
		se.Err = err
		return nil, se
	}
	return bundle, nil
}

// Invalidate drops the cached bundle so the next EnsureAuthenticated signs
// in again.
func (a *Authenticator) Invalidate() {
	a.mu.Lock()
	a.bundle = nil
	a.mu.Unlock()
}

// Bundle returns the cached session, or nil before sign-in.
func (a *Authenticator) Bundle() *AuthBundle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bundle
}

// SignInCount reports how many successful sign-ins this Authenticator made.
func (a *Authenticator) SignInCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.signIns
}

// AuthorizationHeader returns the value of the authorization header. The
// panel takes the raw token with no scheme prefix.
func (a *Authenticator) AuthorizationHeader() (string, error) {
	b := a.Bundle()
	if b == nil {
		return "", ErrNotAuthenticated
	}
	return b.token, nil
}

// Cookies returns the cookie set for authenticated API calls.
func (a *Authenticator) Cookies() ([]*nethttp.Cookie, error) {
	b := a.Bundle()
	if b == nil {
		return nil, ErrNotAuthenticated
	}
	return []*nethttp.Cookie{
		{Name: CookieAccessToken, Value: b.token},
		{Name: CookieAccountID, Value: b.accountID},
		{Name: CookieSecureID, Value: b.secureID},
	}, nil
}

func (a *Authenticator) authorize(req *nethttp.Request, withCookies bool) error {
	token, err := a.AuthorizationHeader()
	if err != nil {
		return err
	}
	req.Header.Set("authorization", token)
	if withCookies {
		cookies, err := a.Cookies()
		if err != nil {
			return err
		}
		for _, c := range cookies {
			req.AddCookie(c)
		}
	}
	return nil
}

// authCall describes one authenticated request. build is invoked once per
// attempt so the body can be replayed after re-authentication.
type authCall struct {
	withCookies bool
	paced       bool
	build       func(bundle *AuthBundle) (*nethttp.Request, error)
}

// do signs in if needed, sends the request, and on a 401 or 403 signs in
// again and resends exactly once. The second response is returned whatever
// its status. Errors from sign-in are returned as they are.
func (a *Authenticator) do(ctx context.Context, call authCall) (*nethttp.Response, error) {
	for attempt := 0; ; attempt++ {
		if err := a.EnsureAuthenticated(ctx); err != nil {
			return nil, err
		}
		bundle := a.Bundle()
		if bundle == nil {
			return nil, ErrNotAuthenticated
		}

		req, err := call.build(bundle)
		if err != nil {
			return nil, err
		}
		if err := a.authorize(req, call.withCookies); err != nil {
			return nil, err
		}

		resp, err := a.doer.send(req, call.paced)
		if err != nil {
			return nil, err
		}
		if attempt == 0 && api.IsAuthRejected(resp.StatusCode) {
			a.logger.Warn().
				Int("status", resp.StatusCode).
				Str("url", endpointOf(req.URL)).
				Msg("Session rejected, signing in again")
			discardBody(resp)
			a.Invalidate()
			continue
		}
		return resp, nil
	}
}
