package server

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"mcpgate/store"
)

const localCodeTTL = 5 * time.Minute

// LocalUpstream is the dev-mode identity provider: a login form served by the
// gateway itself. It runs the same PKCE exchange a real provider would.
type LocalUpstream struct {
	loginURL    string
	callbackURL string

	mu    sync.Mutex
	codes map[string]localCode
	now   func() time.Time
}

type localCode struct {
	identity  UpstreamIdentity
	challenge string
	expiresAt time.Time
}

// NewLocalUpstream creates the dev login provider for the gateway at publicURL.
func NewLocalUpstream(publicURL string) *LocalUpstream {
	base := strings.TrimRight(publicURL, "/")
	return &LocalUpstream{
		loginURL:    base + "/dev/login",
		callbackURL: base + "/oauth/callback",
		codes:       make(map[string]localCode),
		now:         time.Now,
	}
}

func (l *LocalUpstream) Kind() string { return UpstreamLocal }

func (l *LocalUpstream) AuthCodeURL(state, verifier string) string {
	q := url.Values{}
	q.Set("state", state)
	q.Set("code_challenge", store.S256Challenge(verifier))
	q.Set("code_challenge_method", store.MethodS256)
	return l.loginURL + "?" + q.Encode()
}

// Exchange redeems a code issued by the login form. Codes are single use.
func (l *LocalUpstream) Exchange(_ context.Context, code, verifier string) (UpstreamIdentity, error) {
	l.mu.Lock()
	entry, ok := l.codes[code]
	delete(l.codes, code)
	l.mu.Unlock()

	if !ok || !l.now().Before(entry.expiresAt) {
		return UpstreamIdentity{}, errors.New("unknown or expired login code")
	}
	if !store.VerifyPKCE(entry.challenge, store.MethodS256, verifier) {
		return UpstreamIdentity{}, errors.New("login code verifier mismatch")
	}
	return entry.identity, nil
}

func (l *LocalUpstream) issue(id UpstreamIdentity, challenge string) (string, error) {
	code, err := randomToken(24)
	if err != nil {
		return "", err
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for c, entry := range l.codes {
		if !now.Before(entry.expiresAt) {
			delete(l.codes, c)
		}
	}
	l.codes[code] = localCode{identity: id, challenge: challenge, expiresAt: now.Add(localCodeTTL)}
	return code, nil
}

type devLoginView struct {
	State         string
	CodeChallenge string
	Error         string
}

var devLoginTemplate = template.Must(template.New("devLogin").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>mcpgate dev login</title>
<style>
body { font-family: Arial, sans-serif; margin: 3rem auto; max-width: 480px; color: #1d1d1f; }
h1 { font-size: 1.6rem; margin-bottom: 1rem; }
label { display: block; margin-bottom: 0.5rem; font-weight: 600; }
input[type=text] { width: 100%; padding: 0.5rem; margin-bottom: 1rem; }
button { padding: 0.6rem 1.2rem; font-size: 1rem; cursor: pointer; margin-right: 0.5rem; }
.notice { color: #555; margin-bottom: 1.5rem; }
.error { border: 1px solid #d32f2f; background: #fbeaea; padding: 0.75rem; border-radius: 8px; margin-bottom: 1rem; }
</style>
</head>
<body>
<h1>Development login</h1>
<p class="notice">This local identity provider is available only in development mode. The credential is handed to your MCP subprocess unchanged.</p>
{{if .Error}}<div class="error">{{.Error}}</div>{{end}}
<form method="post" action="/dev/login">
  <input type="hidden" name="state" value="{{.State}}" />
  <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}" />
  <label for="username">User</label>
  <input id="username" name="username" type="text" value="dev-user" />
  <label for="credential">Upstream credential (optional)</label>
  <input id="credential" name="credential" type="text" value="" />
  <button type="submit" name="action" value="approve">Sign in</button>
  <button type="submit" name="action" value="deny">Deny</button>
</form>
</body>
</html>
`))

func (a *App) handleDevLogin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	view := devLoginView{State: q.Get("state"), CodeChallenge: q.Get("code_challenge")}
	if view.State == "" || view.CodeChallenge == "" || q.Get("code_challenge_method") != store.MethodS256 {
		oauthError(w, http.StatusBadRequest, "invalid_request", "state and an S256 code_challenge are required")
		return
	}
	a.renderDevLogin(w, view)
}

func (a *App) handleDevLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	state := r.PostForm.Get("state")
	challenge := r.PostForm.Get("code_challenge")
	if state == "" || challenge == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "state and code_challenge are required")
		return
	}

	callback, _ := url.Parse(a.Local.callbackURL)
	q := url.Values{}
	q.Set("state", state)

	if r.PostForm.Get("action") == "deny" {
		q.Set("error", "access_denied")
		q.Set("error_description", "the user denied the request")
		callback.RawQuery = q.Encode()
		http.Redirect(w, r, callback.String(), http.StatusFound)
		return
	}

	username := strings.TrimSpace(r.PostForm.Get("username"))
	if username == "" {
		a.renderDevLogin(w, devLoginView{State: state, CodeChallenge: challenge, Error: "A user name is required."})
		return
	}
	credential := strings.TrimSpace(r.PostForm.Get("credential"))
	if credential == "" {
		credential = "dev-" + username
	}

	code, err := a.Local.issue(UpstreamIdentity{UserID: username, Credential: credential, Name: username}, challenge)
	if err != nil {
		a.Logger.Error("dev login issue code", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to issue login code")
		return
	}
	q.Set("code", code)
	callback.RawQuery = q.Encode()
	http.Redirect(w, r, callback.String(), http.StatusFound)
}

func (a *App) renderDevLogin(w http.ResponseWriter, view devLoginView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := devLoginTemplate.Execute(w, view); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
