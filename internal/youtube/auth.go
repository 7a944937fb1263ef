// Package youtube implements the broadcast provider over the YouTube Data
// API and owns the OAuth credential lifecycle.
package youtube

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	yt "google.golang.org/api/youtube/v3"

	"printstreamer/internal/broadcast"
	"printstreamer/internal/platform/logger"
)

// Google's OAuth endpoints.
const (
	googleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"
)

const minRefreshWait = 30 * time.Second

// Scopes requested for live streaming and uploads.
var Scopes = []string{yt.YoutubeForceSslScope, yt.YoutubeUploadScope}

// Credentials configures an Authenticator.
type Credentials struct {
	ClientID     string
	ClientSecret string
	// RefreshToken seeds the store when no credential file exists yet.
	RefreshToken string
	RedirectURL  string
	// AuthURL and TokenURL override the Google endpoints.
	AuthURL  string
	TokenURL string
}

// Authenticator produces access tokens, persisting every refreshed
// credential before handing it out.
type Authenticator struct {
	cfg   *oauth2.Config
	seed  string
	store *FileStore
	log   *slog.Logger

	// Interactive flow hooks.
	in          io.Reader
	out         io.Writer
	openBrowser func(string) error

	base context.Context

	mu        sync.Mutex
	src       oauth2.TokenSource
	saved     string
	noRefresh bool
}

// AuthOption customises an Authenticator.
type AuthOption func(*Authenticator)

// WithPrompt sets where the interactive flow prints the consent URL and reads
// a pasted authorization code.
func WithPrompt(in io.Reader, out io.Writer) AuthOption {
	return func(a *Authenticator) {
		a.in = in
		a.out = out
	}
}

// WithBrowser replaces the function used to open the consent URL.
func WithBrowser(fn func(string) error) AuthOption {
	return func(a *Authenticator) { a.openBrowser = fn }
}

func NewAuthenticator(creds Credentials, store *FileStore, log *slog.Logger, opts ...AuthOption) *Authenticator {
	endpoint := oauth2.Endpoint{AuthURL: googleAuthURL, TokenURL: googleTokenURL, AuthStyle: oauth2.AuthStyleInParams}
	if creds.AuthURL != "" {
		endpoint.AuthURL = creds.AuthURL
	}
	if creds.TokenURL != "" {
		endpoint.TokenURL = creds.TokenURL
	}
	a := &Authenticator{
		cfg: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  creds.RedirectURL,
			Scopes:       Scopes,
		},
		seed:        creds.RefreshToken,
		store:       store,
		log:         logger.WithComponent(log, "youtube-auth"),
		in:          os.Stdin,
		out:         os.Stdout,
		openBrowser: openBrowser,
		base:        context.Background(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// TokenSource returns a source backed by the stored credential, the
// configured refresh token or, failing both, the interactive consent flow.
// It blocks on a human during consent, so it belongs to startup.
func (a *Authenticator) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	return a.source(ctx, true)
}

// StoredTokenSource is TokenSource without the consent flow. With no stored
// credential and no refresh token it fails with an AuthError.
func (a *Authenticator) StoredTokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	return a.source(ctx, false)
}

func (a *Authenticator) source(ctx context.Context, interactive bool) (oauth2.TokenSource, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.src != nil {
		return a, nil
	}
	tok, err := a.store.Load()
	switch {
	case err == nil:
		a.log.Debug("loaded stored credential", slog.String("path", a.store.Path()))
	case errors.Is(err, ErrNoToken) && a.seed != "":
		tok = &oauth2.Token{RefreshToken: a.seed, Expiry: time.Unix(1, 0)}
	case errors.Is(err, ErrNoToken) && !interactive:
		return nil, &broadcast.AuthError{Err: fmt.Errorf("%w: consent has not been completed", ErrNoToken)}
	case errors.Is(err, ErrNoToken):
		tok, err = a.interactive(ctx)
		if err != nil {
			return nil, err
		}
		if err := a.store.Save(tok); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	a.src = oauth2.ReuseTokenSource(tok, a.cfg.TokenSource(a.base, tok))
	if _, err := a.tokenLocked(); err != nil {
		a.src = nil
		return nil, err
	}
	return a, nil
}

// Token implements oauth2.TokenSource.
func (a *Authenticator) Token() (*oauth2.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tokenLocked()
}

func (a *Authenticator) tokenLocked() (*oauth2.Token, error) {
	if a.src == nil {
		return nil, &broadcast.AuthError{Err: errors.New("not authenticated")}
	}
	tok, err := a.src.Token()
	if err != nil {
		return nil, authError(err)
	}
	if err := a.persist(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// persist saves tok when it differs from what is on disk. A refresh
// response without a refresh token keeps the previous one.
func (a *Authenticator) persist(tok *oauth2.Token) error {
	if tok.AccessToken != "" && tok.AccessToken == a.saved {
		return nil
	}
	prev, err := a.store.Load()
	if err == nil && prev.AccessToken == tok.AccessToken && prev.RefreshToken == tok.RefreshToken {
		a.saved = tok.AccessToken
		return nil
	}
	if tok.RefreshToken == "" && prev != nil {
		cp := *tok
		cp.RefreshToken = prev.RefreshToken
		tok = &cp
	}
	if err := a.store.Save(tok); err != nil {
		return err
	}
	a.saved = tok.AccessToken
	return nil
}

// Refresh forces a token refresh regardless of expiry.
func (a *Authenticator) Refresh(ctx context.Context) (*oauth2.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, err := a.store.Load()
	if err != nil {
		return nil, err
	}
	if cur.RefreshToken == "" {
		return nil, &broadcast.AuthError{Err: errors.New("stored credential has no refresh token")}
	}
	fresh, err := a.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cur.RefreshToken}).Token()
	if err != nil {
		return nil, authError(err)
	}
	if err := a.persist(fresh); err != nil {
		return nil, err
	}
	a.src = oauth2.ReuseTokenSource(fresh, a.cfg.TokenSource(a.base, fresh))
	return fresh, nil
}

// RunRefresh refreshes the credential at half its remaining lifetime, never
// more often than every 30 s. When a refresh fails while the current token
// is still valid the loop logs and stops refreshing; the token is used until
// it expires.
func (a *Authenticator) RunRefresh(ctx context.Context) error {
	for {
		wait := minRefreshWait
		if tok, err := a.store.Load(); err == nil && !tok.Expiry.IsZero() {
			if half := time.Until(tok.Expiry) / 2; half > wait {
				wait = half
			}
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if _, err := a.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			tok, lerr := a.store.Load()
			if lerr == nil && tok.Valid() {
				a.log.Warn("credential refresh failed, continuing with current token until expiry",
					slog.String("error", err.Error()),
					slog.Time("expiry", tok.Expiry))
				a.mu.Lock()
				a.noRefresh = true
				a.mu.Unlock()
				return nil
			}
			a.log.Error("credential refresh failed", slog.String("error", err.Error()))
			var ae *broadcast.AuthError
			if errors.As(err, &ae) {
				return err
			}
			continue
		}
		a.log.Debug("credential refreshed")
	}
}

// RefreshDisabled reports whether RunRefresh gave up after a failure.
func (a *Authenticator) RefreshDisabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.noRefresh
}

// interactive runs the consent flow. The authorization code arrives either
// on the loopback redirect listener or pasted into the prompt.
func (a *Authenticator) interactive(ctx context.Context) (*oauth2.Token, error) {
	if a.cfg.ClientID == "" || a.cfg.ClientSecret == "" {
		return nil, &broadcast.AuthError{Err: errors.New("client id and secret are required for the consent flow")}
	}
	state := uuid.NewString()
	authURL := a.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	codes := make(chan string, 2)

	if srv, err := a.listenCallback(state, codes); err != nil {
		a.log.Debug("loopback redirect unavailable", slog.String("error", err.Error()))
	} else {
		defer srv.Close()
	}

	fmt.Fprintf(a.out, "Authorize PrintStreamer by visiting:\n\n  %s\n\nthen paste the authorization code here: ", authURL)
	if err := a.openBrowser(authURL); err != nil {
		a.log.Debug("could not open browser", slog.String("error", err.Error()))
	}
	go func() {
		line, err := bufio.NewReader(a.in).ReadString('\n')
		if code := strings.TrimSpace(line); code != "" {
			codes <- code
		} else if err != nil {
			a.log.Debug("prompt closed", slog.String("error", err.Error()))
		}
	}()

	var code string
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case code = <-codes:
	}
	tok, err := a.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, authError(err)
	}
	a.log.Info("authorization completed")
	return tok, nil
}

func (a *Authenticator) listenCallback(state string, codes chan<- string) (*http.Server, error) {
	u, err := url.Parse(a.cfg.RedirectURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("redirect url %q not usable", a.cfg.RedirectURL)
	}
	switch u.Hostname() {
	case "127.0.0.1", "localhost", "::1":
	default:
		return nil, fmt.Errorf("redirect host %s is not loopback", u.Hostname())
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, err
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, "authorization denied: "+e, http.StatusForbidden)
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		select {
		case codes <- code:
		default:
		}
		io.WriteString(w, "PrintStreamer is authorized. You can close this window.")
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go srv.Serve(ln)
	return srv, nil
}

func openBrowser(u string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", u)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", u)
	default:
		cmd = exec.Command("xdg-open", u)
	}
	return cmd.Start()
}

// authError marks rejected credentials so callers stop retrying.
func authError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant", broadcast.ReasonUnauthorizedClient, "invalid_client":
			return &broadcast.AuthError{Reason: re.ErrorCode, Err: err}
		}
	}
	return err
}
