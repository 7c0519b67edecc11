package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kilnci/kiln/internal/common/config"
)

const (
	githubAuthorizeURL = "https://github.com/login/oauth/authorize"
	githubTokenURL     = "https://github.com/login/oauth/access_token"
	githubUserURL      = "https://api.github.com/user"

	sessionCookie  = "kiln_session"
	sessionTTL     = 24 * time.Hour
	oauthStateTTL  = 10 * time.Minute
	oauthHTTPLimit = 10 * time.Second
)

type authFlag int

const (
	authRedirect authFlag = 1 << iota
	authLoggedIn
)

// auth implements the optional GitHub OAuth front with in-memory
// sessions. With no client id/secret configured everything is open
// except endpoints that demand a logged-in user.
type auth struct {
	cfg    config.AuthConfig
	client *http.Client

	mu       sync.Mutex
	states   map[string]time.Time // oauth state -> issued
	sessions map[string]session
}

type session struct {
	username string
	expires  time.Time
}

func newAuth(cfg config.AuthConfig) *auth {
	return &auth{
		cfg:      cfg,
		client:   &http.Client{Timeout: oauthHTTPLimit},
		states:   map[string]time.Time{},
		sessions: map[string]session{},
	}
}

func (a *auth) username(c *gin.Context) string {
	token, err := c.Cookie(sessionCookie)
	if err != nil || token == "" {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[token]
	if !ok || time.Now().After(sess.expires) {
		delete(a.sessions, token)
		return ""
	}
	return sess.username
}

// require gates a route. With OAuth unconfigured the gate is open, except
// authLoggedIn routes which answer 400 as there is no way to log in.
func (a *auth) require(flags authFlag) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.username(c) != "" {
			c.Next()
			return
		}
		if !a.cfg.Enabled() {
			if flags&authLoggedIn != 0 {
				c.String(http.StatusBadRequest, "Disabled")
				c.Abort()
				return
			}
			c.Next()
			return
		}
		if flags&authRedirect != 0 {
			c.Redirect(http.StatusFound, "/login")
			c.Abort()
			return
		}
		c.String(http.StatusUnauthorized, "Unauthenticated")
		c.Abort()
	}
}

func (s *Server) login(c *gin.Context) {
	if !s.auth.cfg.Enabled() {
		c.String(http.StatusNotFound, "Disabled")
		return
	}
	stateToken := uuid.New().String()
	s.auth.mu.Lock()
	for token, issued := range s.auth.states {
		if time.Since(issued) > oauthStateTTL {
			delete(s.auth.states, token)
		}
	}
	s.auth.states[stateToken] = time.Now()
	s.auth.mu.Unlock()

	query := url.Values{}
	query.Set("client_id", s.auth.cfg.GithubClientID)
	query.Set("state", stateToken)
	c.Redirect(http.StatusFound, githubAuthorizeURL+"?"+query.Encode())
}

func (s *Server) callback(c *gin.Context) {
	if !s.auth.cfg.Enabled() {
		c.String(http.StatusNotFound, "Disabled")
		return
	}
	stateToken := c.Query("state")
	s.auth.mu.Lock()
	issued, known := s.auth.states[stateToken]
	delete(s.auth.states, stateToken)
	s.auth.mu.Unlock()
	if !known || time.Since(issued) > oauthStateTTL {
		c.String(http.StatusUnauthorized, "OAuth state mismatch")
		return
	}

	username, err := s.auth.exchange(c.Query("code"))
	if err != nil {
		c.String(http.StatusUnauthorized, "OAuth failed: %v", err)
		return
	}
	authorized := false
	for _, user := range s.auth.cfg.AuthorizedUsers {
		if strings.EqualFold(user, username) {
			authorized = true
			break
		}
	}
	if !authorized {
		c.String(http.StatusForbidden, "User not authorized")
		return
	}

	token := uuid.New().String()
	s.auth.mu.Lock()
	s.auth.sessions[token] = session{username: username, expires: time.Now().Add(sessionTTL)}
	s.auth.mu.Unlock()
	c.SetCookie(sessionCookie, token, int(sessionTTL.Seconds()), "/", "", false, true)
	c.Redirect(http.StatusFound, "/")
}

func (s *Server) logout(c *gin.Context) {
	if token, err := c.Cookie(sessionCookie); err == nil {
		s.auth.mu.Lock()
		delete(s.auth.sessions, token)
		s.auth.mu.Unlock()
	}
	c.SetCookie(sessionCookie, "", -1, "/", "", false, true)
	if !s.auth.cfg.Enabled() {
		c.String(http.StatusNotFound, "Disabled")
		return
	}
	c.Redirect(http.StatusSeeOther, "/")
}

// exchange trades the OAuth code for the GitHub username behind it.
func (a *auth) exchange(code string) (string, error) {
	form := url.Values{}
	form.Set("client_id", a.cfg.GithubClientID)
	form.Set("client_secret", a.cfg.GithubClientSecret)
	form.Set("code", code)
	req, err := http.NewRequest(http.MethodPost, githubTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var tokenResp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", err
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("no access token in response")
	}

	userReq, err := http.NewRequest(http.MethodGet, githubUserURL, nil)
	if err != nil {
		return "", err
	}
	userReq.Header.Set("Authorization", "Bearer "+tokenResp.AccessToken)
	userReq.Header.Set("Accept", "application/vnd.github+json")
	userResp, err := a.client.Do(userReq)
	if err != nil {
		return "", err
	}
	defer userResp.Body.Close()
	if userResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("github user lookup returned %d", userResp.StatusCode)
	}
	var user struct {
		Login string `json:"login"`
	}
	if err := json.NewDecoder(userResp.Body).Decode(&user); err != nil {
		return "", err
	}
	if user.Login == "" {
		return "", fmt.Errorf("empty github login")
	}
	return user.Login, nil
}
