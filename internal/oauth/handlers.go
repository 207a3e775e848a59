package oauth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
)

// Metadata is the RFC 8414 authorization-server discovery document.
func (s *Server) Metadata() map[string]any {
	return map[string]any{
		"issuer":                                s.issuer,
		"authorization_endpoint":                s.issuer + "/oauth/authorize",
		"token_endpoint":                        s.issuer + "/oauth/token",
		"registration_endpoint":                 s.issuer + "/oauth/register",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none"},
	}
}

// ProtectedResourceMetadata is the RFC 9728 resource discovery
// document pointing the connector back at this server.
func (s *Server) ProtectedResourceMetadata() map[string]any {
	return map[string]any{
		"resource":                 s.issuer,
		"authorization_servers":    []string{s.issuer},
		"bearer_methods_supported": []string{"header"},
	}
}

// MetadataHandler serves /.well-known/oauth-authorization-server.
func (s *Server) MetadataHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Metadata())
	}
}

// ProtectedResourceHandler serves
// /.well-known/oauth-protected-resource.
func (s *Server) ProtectedResourceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.ProtectedResourceMetadata())
	}
}

type registerRequest struct {
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
}

// RegisterHandler serves POST /oauth/register (RFC 7591 dynamic
// registration). Every request is accepted; there is no registration
// token on a single-user controller.
func (s *Server) RegisterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			oauthError(w, http.StatusBadRequest, "invalid_client_metadata", "invalid JSON")
			return
		}
		client, err := s.RegisterClient(req.ClientName, req.RedirectURIs)
		if err != nil {
			oauthError(w, http.StatusBadRequest, "invalid_client_metadata", err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"client_id":                  client.ID,
			"client_name":                client.Name,
			"redirect_uris":              client.RedirectURIs,
			"token_endpoint_auth_method": "none",
		})
	}
}

// AuthorizeHandler serves GET /oauth/authorize. The client and
// redirect URI are validated before anything redirects; failures
// there answer 400 directly. Once the redirect target is trusted,
// remaining failures ride back on it as error parameters.
func (s *Server) AuthorizeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		clientID := q.Get("client_id")
		redirectURI := q.Get("redirect_uri")
		state := q.Get("state")

		if q.Get("response_type") != "code" {
			s.authorizeReject(w, r, clientID, redirectURI, state, "unsupported_response_type", "only response_type=code is supported")
			return
		}

		code, err := s.Authorize(clientID, redirectURI, q.Get("code_challenge"), q.Get("code_challenge_method"))
		switch {
		case errors.Is(err, ErrUnknownClient), errors.Is(err, ErrBadRedirect):
			oauthError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		case err != nil:
			s.authorizeReject(w, r, clientID, redirectURI, state, "invalid_request", err.Error())
			return
		}

		target, _ := url.Parse(redirectURI)
		params := target.Query()
		params.Set("code", code)
		if state != "" {
			params.Set("state", state)
		}
		target.RawQuery = params.Encode()
		http.Redirect(w, r, target.String(), http.StatusFound)
	}
}

// authorizeReject sends an error redirect when the redirect URI is
// registered for the client, and a 400 otherwise.
func (s *Server) authorizeReject(w http.ResponseWriter, r *http.Request, clientID, redirectURI, state, code, desc string) {
	if !s.redirectTrusted(clientID, redirectURI) {
		oauthError(w, http.StatusBadRequest, code, desc)
		return
	}
	target, err := url.Parse(redirectURI)
	if err != nil {
		oauthError(w, http.StatusBadRequest, code, desc)
		return
	}
	params := target.Query()
	params.Set("error", code)
	params.Set("error_description", desc)
	if state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *Server) redirectTrusted(clientID, redirectURI string) bool {
	if redirectURI == "" {
		return false
	}
	f, err := s.store.Load()
	if err != nil {
		return false
	}
	client, ok := f.client(clientID)
	if !ok {
		return false
	}
	return client.redirectRegistered(redirectURI)
}

// TokenHandler serves POST /oauth/token (form encoded per RFC 6749).
func (s *Server) TokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
			return
		}
		if grant := r.PostFormValue("grant_type"); grant != "authorization_code" {
			oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "only authorization_code is supported")
			return
		}

		token, err := s.Exchange(
			r.PostFormValue("client_id"),
			r.PostFormValue("code"),
			r.PostFormValue("redirect_uri"),
			r.PostFormValue("code_verifier"),
		)
		if err != nil {
			oauthError(w, http.StatusBadRequest, "invalid_grant", err.Error())
			return
		}

		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, token)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// oauthError writes the RFC 6749 error shape.
func oauthError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": desc,
	})
}
