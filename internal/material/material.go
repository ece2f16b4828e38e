// Package material extracts authentication material from a landing
// location. Identity providers deliver session material over three
// transports: an authorization code in the query string, tokens in the
// URL fragment (implicit flow), or a one-time token/type pair in the
// query string (emailed verification links). Exactly one transport wins
// per location.
package material

import (
	"net/url"
	"strconv"
	"strings"
)

// Kind tags the transport a Material was extracted from.
type Kind int

const (
	// None means the location carried no recognizable auth material.
	None Kind = iota

	// AuthorizationCode is a single-use code from the query string,
	// to be exchanged server-side for a session.
	AuthorizationCode

	// FragmentTokens are session tokens delivered directly in the URL
	// fragment by the implicit flow.
	FragmentTokens

	// OtpToken is a single-use token hash and type pair, redeemed
	// directly against the identity service.
	OtpToken
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case AuthorizationCode:
		return "authorization_code"
	case FragmentTokens:
		return "fragment_tokens"
	case OtpToken:
		return "otp_token"
	default:
		return "none"
	}
}

// Material is the auth material extracted from a single location.
// Produced once per landing and never mutated. Only the fields for the
// tagged Kind are populated.
type Material struct {
	Kind Kind

	// AuthorizationCode
	Code string

	// FragmentTokens
	AccessToken      string
	RefreshToken     string
	ExpiresInSeconds int64
	TokenType        string

	// OtpToken
	TokenHash string
	OtpType   string
}

// Fingerprint returns a stable identifier for the material, used to
// collapse concurrent exchange attempts for the same single-use code or
// token into one call.
func (m Material) Fingerprint() string {
	switch m.Kind {
	case AuthorizationCode:
		return "code:" + m.Code
	case FragmentTokens:
		return "fragment:" + m.AccessToken
	case OtpToken:
		return "otp:" + m.OtpType + ":" + m.TokenHash
	default:
		return "none"
	}
}

// Extract parses a landing location into Material. Priority order when
// multiple signals are present: authorization code, then fragment
// tokens, then OTP token/type. First match wins; no fallthrough to a
// second transport for the same location.
//
// Extract is a pure function of the location string. Unparseable
// locations and malformed fragments yield None rather than an error.
func Extract(location string) Material {
	u, err := url.Parse(location)
	if err != nil {
		return Material{Kind: None}
	}

	query := u.Query()

	if code := query.Get("code"); code != "" {
		return Material{Kind: AuthorizationCode, Code: code}
	}

	if m, ok := extractFragment(u.Fragment); ok {
		return m
	}

	token := query.Get("token")
	otpType := query.Get("type")
	if token != "" && otpType != "" {
		return Material{Kind: OtpToken, TokenHash: token, OtpType: otpType}
	}

	return Material{Kind: None}
}

// extractFragment parses implicit-flow tokens out of a URL fragment.
// A present-but-malformed access_token (not shaped like the provider's
// JWT format) yields no material rather than an error, so the caller
// falls through to the recovery path instead of failing the landing.
func extractFragment(fragment string) (Material, bool) {
	if fragment == "" {
		return Material{}, false
	}

	params, err := url.ParseQuery(fragment)
	if err != nil {
		return Material{}, false
	}

	accessToken := params.Get("access_token")
	if accessToken == "" {
		return Material{}, false
	}

	if !wellFormedToken(accessToken) {
		return Material{Kind: None}, true
	}

	m := Material{
		Kind:         FragmentTokens,
		AccessToken:  accessToken,
		RefreshToken: params.Get("refresh_token"),
		TokenType:    params.Get("token_type"),
	}

	if raw := params.Get("expires_in"); raw != "" {
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
			m.ExpiresInSeconds = secs
		}
	}

	return m, true
}

// wellFormedToken reports whether a token has the structural shape of a
// provider access token: three non-empty dot-separated segments. Only
// the shape is checked here; decoding and verification belong to the
// identity service.
func wellFormedToken(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}

	for _, p := range parts {
		if p == "" {
			return false
		}
	}

	return true
}
