// Package capability decodes and mints the capability tokens that grant a
// device incoming and outgoing calling rights.
package capability

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/phonekit/phonekit/internal/phoneerr"
)

const (
	scopePrefix = "scope:client:"

	ServiceIncoming = "incoming"
	ServiceOutgoing = "outgoing"
)

var (
	// ErrMalformedToken is returned for tokens that are not three-segment JWTs.
	ErrMalformedToken = errors.New("malformed capability token")
	// ErrMalformedScope is returned for scope URIs that cannot be parsed.
	ErrMalformedScope = errors.New("malformed scope uri")
)

// Capabilities are the grants carried by a capability token.
type Capabilities struct {
	AccountSID string
	AppSID     string
	ClientName string
	Expires    time.Time

	Incoming bool
	Outgoing bool

	// DeveloperParams are the appParams of the outgoing scope. They are
	// merged into the parameters of every outgoing call.
	DeveloperParams map[string]string
}

// Expired reports whether the token has expired at now. Tokens without an
// expiry never expire.
func (c Capabilities) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && !now.Before(c.Expires)
}

// RegistrationChanged reports whether moving from c to next requires the
// incoming registration to be redone.
func (c Capabilities) RegistrationChanged(next Capabilities) bool {
	return c.Incoming != next.Incoming ||
		c.AccountSID != next.AccountSID ||
		c.ClientName != next.ClientName
}

// ScopeURI is one entry of the scope claim, e.g.
// "scope:client:incoming?clientName=alice".
type ScopeURI struct {
	Service   string
	Privilege string
	Params    url.Values
}

// ParseScope parses a single scope URI.
func ParseScope(s string) (ScopeURI, error) {
	if !strings.HasPrefix(s, scopePrefix) {
		return ScopeURI{}, fmt.Errorf("%w: %q", ErrMalformedScope, s)
	}
	rest := strings.TrimPrefix(s, scopePrefix)

	privilege, query, _ := strings.Cut(rest, "?")
	if privilege == "" {
		return ScopeURI{}, fmt.Errorf("%w: missing privilege in %q", ErrMalformedScope, s)
	}
	params, err := url.ParseQuery(query)
	if err != nil {
		return ScopeURI{}, fmt.Errorf("%w: %v", ErrMalformedScope, err)
	}
	return ScopeURI{Service: "client", Privilege: privilege, Params: params}, nil
}

func (s ScopeURI) String() string {
	out := scopePrefix + s.Privilege
	if len(s.Params) > 0 {
		out += "?" + s.Params.Encode()
	}
	return out
}

// Decode extracts capabilities from a token without verifying its
// signature. The signing key belongs to the server side; the client only
// needs the grants.
func Decode(token string) (Capabilities, error) {
	if strings.Count(token, ".") != 2 {
		return Capabilities{}, invalid(ErrMalformedToken)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Capabilities{}, invalid(fmt.Errorf("parsing token: %w", err))
	}

	var caps Capabilities
	if iss, ok := claims["iss"].(string); ok {
		caps.AccountSID = iss
	}
	if exp, ok := claims["exp"].(float64); ok && exp > 0 {
		caps.Expires = time.Unix(int64(exp), 0)
	}

	scope, _ := claims["scope"].(string)
	for _, field := range strings.Fields(scope) {
		uri, err := ParseScope(field)
		if err != nil {
			return Capabilities{}, invalid(err)
		}
		switch uri.Privilege {
		case ServiceIncoming:
			caps.Incoming = true
			if name := uri.Params.Get("clientName"); name != "" {
				caps.ClientName = name
			}
		case ServiceOutgoing:
			caps.Outgoing = true
			caps.AppSID = uri.Params.Get("appSid")
			if name := uri.Params.Get("clientName"); name != "" && caps.ClientName == "" {
				caps.ClientName = name
			}
			if raw := uri.Params.Get("appParams"); raw != "" {
				values, err := url.ParseQuery(raw)
				if err != nil {
					return Capabilities{}, invalid(fmt.Errorf("parsing appParams: %w", err))
				}
				caps.DeveloperParams = flatten(values)
			}
		}
	}
	return caps, nil
}

// Mint signs a token granting caps with HS256. It exists for development
// setups without a token server.
func Mint(secret []byte, caps Capabilities, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("signing secret is required")
	}

	var scopes []string
	if caps.Incoming {
		params := url.Values{}
		if caps.ClientName != "" {
			params.Set("clientName", caps.ClientName)
		}
		scopes = append(scopes, ScopeURI{Privilege: ServiceIncoming, Params: params}.String())
	}
	if caps.Outgoing {
		params := url.Values{}
		if caps.AppSID != "" {
			params.Set("appSid", caps.AppSID)
		}
		if caps.ClientName != "" {
			params.Set("clientName", caps.ClientName)
		}
		if len(caps.DeveloperParams) > 0 {
			app := url.Values{}
			for k, v := range caps.DeveloperParams {
				app.Set(k, v)
			}
			params.Set("appParams", app.Encode())
		}
		scopes = append(scopes, ScopeURI{Privilege: ServiceOutgoing, Params: params}.String())
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   caps.AccountSID,
		"iat":   now.Unix(),
		"scope": strings.Join(scopes, " "),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func flatten(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k := range values {
		out[k] = values.Get(k)
	}
	return out
}

func invalid(err error) error {
	return phoneerr.Wrap(phoneerr.DomainServices, phoneerr.CodeInvalidJWT, "invalid capability token", err)
}
