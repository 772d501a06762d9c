package scrape

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"coursewatch/internal/config"
	appLog "coursewatch/internal/log"
)

// Fetcher retrieves the raw document behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// loginFreshness is how long a login is reused before the next page request
// logs in again.
const loginFreshness = time.Minute

const maxBodyBytes = 8 << 20

// HTTPFetcher fetches pages with a cookie-carrying http.Client, logging in
// to the registration site first when credentials are configured.
type HTTPFetcher struct {
	client    *http.Client
	loginURL  string
	username  string
	password  string
	userAgent string

	mu        sync.Mutex
	lastLogin time.Time
}

// NewHTTPFetcher creates a fetcher for the given upstream settings.
func NewHTTPFetcher(up config.UpstreamConfig) *HTTPFetcher {
	// cookiejar.New only fails when given a PublicSuffixList that errors.
	jar, _ := cookiejar.New(nil)
	return &HTTPFetcher{
		client: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
		loginURL:  up.LoginURL,
		username:  up.Username,
		password:  up.Password,
		userAgent: up.UserAgent,
	}
}

// Fetch logs in if needed and GETs rawURL. Non-200 responses are returned
// as *FetchError.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if rawURL == "" {
		return nil, &FetchError{URL: rawURL, Err: errors.New("empty url")}
	}
	f.ensureLogin(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	f.setHeaders(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if err := statusError(rawURL, resp.StatusCode, resp.Status); err != nil {
		// Drain a little so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	appLog.Debug("page fetched", "url", rawURL, "bytes", len(body))
	return body, nil
}

// ensureLogin posts the login form unless a recent login is still fresh.
// Login problems are logged; the page request goes ahead regardless and
// will surface its own error if the session is not authorized.
func (f *HTTPFetcher) ensureLogin(ctx context.Context) {
	if f.username == "" || f.loginURL == "" {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.lastLogin.IsZero() && time.Since(f.lastLogin) < loginFreshness {
		return
	}

	form := url.Values{
		"txtLogin":    {f.username},
		"txtPassword": {f.password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		appLog.Error("login request build failed", err, "url", redactURL(f.loginURL))
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	f.setHeaders(req)

	resp, err := f.client.Do(req)
	if err != nil {
		appLog.Error("login failed", err, "url", redactURL(f.loginURL))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode != http.StatusOK {
		appLog.Warn("authentication failed", "url", redactURL(f.loginURL), "status", resp.StatusCode)
		return
	}
	f.lastLogin = time.Now()
	appLog.Debug("logged in", "url", redactURL(f.loginURL))
}

func (f *HTTPFetcher) setHeaders(req *http.Request) {
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
}

// redactURL hides path and query of a URL for logging purposes.
func redactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "(redacted)"
	}
	return parsed.Scheme + "://" + parsed.Host + "/...(redacted)"
}
