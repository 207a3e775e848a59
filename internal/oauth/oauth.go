// Package oauth implements the authorization server for the chat-tool
// connector: dynamic client registration, the authorization-code grant
// with PKCE (S256 only), and opaque bearer tokens. The authorize
// endpoint auto-approves; the deployment is single-user.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/droverhq/drover/internal/store"
)

const (
	// CodeTTL bounds how long an authorization code stays exchangeable.
	CodeTTL = 10 * time.Minute

	// TokenTTL bounds issued access tokens.
	TokenTTL = 24 * time.Hour
)

// Errors surfaced to the token and authorize endpoints.
var (
	ErrUnknownClient   = errors.New("unknown client")
	ErrBadRedirect     = errors.New("redirect uri not registered")
	ErrBadChallenge    = errors.New("code challenge required")
	ErrUnsupportedPKCE = errors.New("only the S256 challenge method is supported")
	ErrBadCode         = errors.New("invalid authorization code")
	ErrBadVerifier     = errors.New("code verifier mismatch")
)

// Client is a dynamically registered OAuth client.
type Client struct {
	ID           string    `json:"clientId"`
	Name         string    `json:"clientName,omitempty"`
	RedirectURIs []string  `json:"redirectUris"`
	CreatedAt    time.Time `json:"createdAt"`
}

// authCode is one outstanding authorization code. Codes are single
// use: the first exchange attempt burns them, valid verifier or not.
type authCode struct {
	Value       string    `json:"value"`
	ClientID    string    `json:"clientId"`
	RedirectURI string    `json:"redirectUri"`
	Challenge   string    `json:"challenge"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// accessToken is one issued bearer token.
type accessToken struct {
	Value     string    `json:"value"`
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// File is the persisted server state.
type File struct {
	Version int           `json:"version"`
	Clients []Client      `json:"clients"`
	Codes   []authCode    `json:"codes"`
	Tokens  []accessToken `json:"tokens"`
}

// Token is the token-endpoint response shape.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Server issues and validates chat-tool tokens.
type Server struct {
	issuer string
	store  *store.Store[File]

	now func() time.Time
}

// NewServer creates the authorization server. issuer is the external
// base URL advertised in the discovery documents.
func NewServer(issuer, stateDir string) *Server {
	return &Server{
		issuer: strings.TrimRight(issuer, "/"),
		store: store.New(store.Path(stateDir, store.OAuthStateFile), func() File {
			return File{Version: 1}
		}),
		now: time.Now,
	}
}

// RegisterClient stores a new client. At least one absolute redirect
// URI is required; the authorization-code grant has nowhere to send
// the code otherwise.
func (s *Server) RegisterClient(name string, redirectURIs []string) (Client, error) {
	if len(redirectURIs) == 0 {
		return Client{}, errors.New("at least one redirect uri required")
	}
	for _, raw := range redirectURIs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() {
			return Client{}, fmt.Errorf("redirect uri %q: not an absolute url", raw)
		}
	}

	client := Client{
		ID:           ulid.Make().String(),
		Name:         name,
		RedirectURIs: append([]string(nil), redirectURIs...),
		CreatedAt:    s.now().UTC(),
	}
	err := s.store.Update(func(f *File) error {
		f.prune(s.now())
		f.Clients = append(f.Clients, client)
		return nil
	})
	if err != nil {
		return Client{}, err
	}
	return client, nil
}

// Authorize validates the request and mints a code bound to the PKCE
// challenge. There is no consent step.
func (s *Server) Authorize(clientID, redirectURI, challenge, method string) (string, error) {
	if method != "S256" {
		return "", ErrUnsupportedPKCE
	}
	if challenge == "" {
		return "", ErrBadChallenge
	}

	value, err := randomSecret("code_")
	if err != nil {
		return "", err
	}
	code := authCode{
		Value:       value,
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Challenge:   challenge,
		ExpiresAt:   s.now().UTC().Add(CodeTTL),
	}
	err = s.store.Update(func(f *File) error {
		client, ok := f.client(clientID)
		if !ok {
			return ErrUnknownClient
		}
		if !client.redirectRegistered(redirectURI) {
			return ErrBadRedirect
		}
		f.prune(s.now())
		f.Codes = append(f.Codes, code)
		return nil
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

// Exchange redeems an authorization code for a bearer token. The code
// is consumed whether or not the verifier matches; retrying a burned
// code fails outright.
func (s *Server) Exchange(clientID, codeValue, redirectURI, verifier string) (Token, error) {
	if len(verifier) < 43 || len(verifier) > 128 {
		return Token{}, ErrBadVerifier
	}

	tokenValue, err := randomSecret("tok_")
	if err != nil {
		return Token{}, err
	}

	// The update returns nil on rejection too: burned codes and
	// pruning must persist even when no token is issued.
	var exchangeErr error
	err = s.store.Update(func(f *File) error {
		f.prune(s.now())

		code, ok := f.takeCode(codeValue)
		if !ok {
			exchangeErr = ErrBadCode
			return nil
		}
		if code.ClientID != clientID || code.RedirectURI != redirectURI {
			exchangeErr = ErrBadCode
			return nil
		}
		sum := sha256.Sum256([]byte(verifier))
		derived := base64.RawURLEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(derived), []byte(code.Challenge)) != 1 {
			exchangeErr = ErrBadVerifier
			return nil
		}

		f.Tokens = append(f.Tokens, accessToken{
			Value:     tokenValue,
			ClientID:  clientID,
			ExpiresAt: s.now().UTC().Add(TokenTTL),
		})
		return nil
	})
	if err != nil {
		return Token{}, err
	}
	if exchangeErr != nil {
		return Token{}, exchangeErr
	}
	return Token{
		AccessToken: tokenValue,
		TokenType:   "Bearer",
		ExpiresIn:   int64(TokenTTL / time.Second),
	}, nil
}

// Validate reports whether a presented bearer token is live.
func (s *Server) Validate(tokenValue string) bool {
	if tokenValue == "" {
		return false
	}
	f, err := s.store.Load()
	if err != nil {
		return false
	}
	now := s.now()
	for _, t := range f.Tokens {
		if subtle.ConstantTimeCompare([]byte(t.Value), []byte(tokenValue)) == 1 {
			return now.Before(t.ExpiresAt)
		}
	}
	return false
}

func (f *File) client(id string) (Client, bool) {
	for _, c := range f.Clients {
		if c.ID == id {
			return c, true
		}
	}
	return Client{}, false
}

func (c Client) redirectRegistered(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// takeCode removes and returns the code with the given value.
func (f *File) takeCode(value string) (authCode, bool) {
	for i, c := range f.Codes {
		if c.Value == value {
			f.Codes = append(f.Codes[:i], f.Codes[i+1:]...)
			return c, true
		}
	}
	return authCode{}, false
}

// prune drops expired codes and tokens.
func (f *File) prune(now time.Time) {
	codes := f.Codes[:0]
	for _, c := range f.Codes {
		if now.Before(c.ExpiresAt) {
			codes = append(codes, c)
		}
	}
	f.Codes = codes

	tokens := f.Tokens[:0]
	for _, t := range f.Tokens {
		if now.Before(t.ExpiresAt) {
			tokens = append(tokens, t)
		}
	}
	f.Tokens = tokens
}

func randomSecret(prefix string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
