// Package streamlabs implements the donation-total edge handler: the OAuth
// credential lifecycle against the Streamlabs API, donation aggregation, and
// the HTTP surface that exposes them.
package streamlabs

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// tokenKey is the fixed store key for the singleton token record.
	tokenKey = "streamlabs:token"
	// statePrefix namespaces one-shot OAuth state entries in the store.
	statePrefix = "streamlabs:oauth-state:"

	stateTTL          = 600 * time.Second
	stateEntropyBytes = 24
)

// Token source values reported by the status endpoint.
const (
	TokenSourceStore    = "store"
	TokenSourceFallback = "fallback"
)

// TokenRecord is the persisted OAuth credential set. At most one record
// exists, stored as JSON under tokenKey.
type TokenRecord struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Scope        string     `json:"scope,omitempty"`
	TokenType    string     `json:"tokenType,omitempty"`
	// AccountUsername is the normalized username resolved at connect time.
	AccountUsername string `json:"accountUsername,omitempty"`
	// AccountVerified is true only when the connecting account matched the
	// configured expected username.
	AccountVerified bool      `json:"accountVerified"`
	ConnectedAt     time.Time `json:"connectedAt"`
	UpdatedAt       time.Time `json:"updatedAt"`

	// Source records where the token came from (store vs fallback secret).
	// Not persisted.
	Source string `json:"-"`
}

var (
	bearerPrefixRe = regexp.MustCompile(`(?i)^Bearer\s+`)
	edgeQuotesRe   = regexp.MustCompile(`^['"]+|['"]+$`)
	controlRe      = regexp.MustCompile(`[\x00-\x1f\x7f]`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
)

// SanitizeToken normalizes a raw token value: surrounding whitespace and
// quotes, a leading bearer prefix, control characters and inner whitespace
// are all stripped. An unusable value sanitizes to the empty string.
func SanitizeToken(raw string) string {
	token := strings.TrimSpace(raw)
	token = bearerPrefixRe.ReplaceAllString(token, "")
	token = edgeQuotesRe.ReplaceAllString(token, "")
	token = controlRe.ReplaceAllString(token, "")
	token = whitespaceRe.ReplaceAllString(token, "")
	return token
}

// NormalizeUsername lowercases, trims and strips any leading @ from a
// username candidate.
func NormalizeUsername(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	return strings.TrimLeft(name, "@")
}

// usernamePaths is the ordered list of extraction rules applied to the
// profile payload. The provider has returned several shapes over time, so
// both top-level fields and a set of known sub-objects are probed.
var usernamePaths = buildUsernamePaths()

func buildUsernamePaths() []string {
	topFields := []string{"username", "name", "display_name", "displayName"}
	nestedFields := append(topFields, "login", "slug")
	containers := []string{"user", "streamlabs", "account", "channel", "twitch"}

	paths := make([]string, 0, len(topFields)+len(containers)*len(nestedFields))
	paths = append(paths, topFields...)
	for _, container := range containers {
		for _, field := range nestedFields {
			paths = append(paths, container+"."+field)
		}
	}
	return paths
}

// ExtractUsernames applies the extraction rules to a raw profile payload and
// returns normalized, de-duplicated candidates in rule order.
func ExtractUsernames(payload []byte) []string {
	seen := make(map[string]struct{})
	var candidates []string
	for _, path := range usernamePaths {
		value := gjson.GetBytes(payload, path)
		if value.Type != gjson.String {
			continue
		}
		name := NormalizeUsername(value.Str)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		candidates = append(candidates, name)
	}
	return candidates
}

// newStateToken produces a hex-encoded random state token for the
// authorization flow.
func newStateToken() (string, error) {
	buf := make([]byte, stateEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// expiresAtFrom converts a provider expires_in (seconds) into an absolute
// expiry. Non-positive or absent values mean the expiry is unknown.
func expiresAtFrom(expiresIn int64, now time.Time) *time.Time {
	if expiresIn <= 0 {
		return nil
	}
	at := now.Add(time.Duration(expiresIn) * time.Second)
	return &at
}
