package client

import (
	"fmt"
	"net/http"
	"net/url"
)

// AuthType selects how credentials are attached to outbound requests.
type AuthType string

const (
	AuthNone           AuthType = "none"
	AuthAPIKey         AuthType = "api_key"
	AuthBearerToken    AuthType = "bearer_token"
	AuthAPIKeyAndToken AuthType = "api_key_and_token"
)

// Placement of an API key.
const (
	PlacementHeader = "header"
	PlacementQuery  = "query"
)

// AuthConfig holds resolved credentials. Secrets come from the environment,
// never from the config file itself.
type AuthConfig struct {
	Type AuthType

	APIKey string
	Token  string

	// KeyPlacement is "header" (default) or "query".
	KeyPlacement string
	KeyHeader    string
	KeyParam     string
	TokenHeader  string
}

func (a AuthConfig) withDefaults() AuthConfig {
	if a.Type == "" {
		a.Type = AuthNone
	}
	if a.KeyPlacement == "" {
		a.KeyPlacement = PlacementHeader
	}
	switch a.Type {
	case AuthAPIKey:
		if a.KeyHeader == "" {
			a.KeyHeader = "X-API-Key"
		}
		if a.KeyParam == "" {
			a.KeyParam = "apiKey"
		}
	case AuthAPIKeyAndToken:
		if a.KeyHeader == "" {
			a.KeyHeader = "X-ELS-APIKey"
		}
		if a.TokenHeader == "" {
			a.TokenHeader = "X-ELS-Insttoken"
		}
	case AuthBearerToken:
		if a.TokenHeader == "" {
			a.TokenHeader = "Authorization"
		}
	}
	return a
}

// Validate checks that the credentials required by Type are present.
func (a AuthConfig) Validate() error {
	switch a.Type {
	case "", AuthNone:
		return nil
	case AuthAPIKey:
		if a.APIKey == "" {
			return fmt.Errorf("auth %s: api key is empty", a.Type)
		}
		if a.KeyPlacement != "" && a.KeyPlacement != PlacementHeader && a.KeyPlacement != PlacementQuery {
			return fmt.Errorf("auth %s: unknown key placement %q", a.Type, a.KeyPlacement)
		}
	case AuthBearerToken:
		if a.Token == "" {
			return fmt.Errorf("auth %s: token is empty", a.Type)
		}
	case AuthAPIKeyAndToken:
		if a.APIKey == "" || a.Token == "" {
			return fmt.Errorf("auth %s: api key and token are both required", a.Type)
		}
	default:
		return fmt.Errorf("unknown auth type %q", a.Type)
	}
	return nil
}

// apply attaches credentials to the request headers or query.
func (a AuthConfig) apply(h http.Header, q url.Values) {
	switch a.Type {
	case AuthAPIKey:
		if a.KeyPlacement == PlacementQuery {
			q.Set(a.KeyParam, a.APIKey)
			return
		}
		h.Set(a.KeyHeader, a.APIKey)
	case AuthBearerToken:
		h.Set(a.TokenHeader, "Bearer "+a.Token)
	case AuthAPIKeyAndToken:
		h.Set(a.KeyHeader, a.APIKey)
		h.Set(a.TokenHeader, a.Token)
	}
}
