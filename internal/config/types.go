package config

import "time"

type Server struct {
	Listen      string `yaml:"listen"`
	ExternalURL string `yaml:"external_url"`
}

type KeyPair struct {
	ID       string    `yaml:"id"`
	CertPEM  string    `yaml:"cert_pem"`
	KeyPEM   string    `yaml:"key_pem"`
	NotAfter time.Time `yaml:"not_after"`
}

type Crypto struct {
	ActiveKey string    `yaml:"active_key"`
	Keys      []KeyPair `yaml:"keys"`
}

// SP is the static registration for one service provider. The registry
// parses it once into an immutable sp.ServiceProvider snapshot.
type SP struct {
	Name               string            `yaml:"name"`
	EntityID           string            `yaml:"entity_id"`
	ACSURL             string            `yaml:"acs_url"`
	SLOURL             string            `yaml:"slo_url"`
	CertPEM            string            `yaml:"cert_pem"`
	NameIDFormat       string            `yaml:"nameid_format"`
	AttributeMapping   map[string]string `yaml:"attribute_mapping"`
	ResponseBinding    string            `yaml:"response_binding"`
	WantSignedRequests bool              `yaml:"want_signed_requests"`
	SignAssertion      *bool             `yaml:"sign_assertion"`
	SignResponse       *bool             `yaml:"sign_response"`
}

type Security struct {
	SkewSeconds                  int  `yaml:"skew_seconds"`
	AssertionTTLSec              int  `yaml:"assertion_ttl_seconds"`
	FlowTTLSec                   int  `yaml:"flow_ttl_seconds"`
	MaxMessageBytes              int  `yaml:"max_message_bytes"`
	ReplayDetection              bool `yaml:"replay_detection"`
	MetadataValidUntilDays       int  `yaml:"metadata_valid_until_days"`
	MetadataCacheDurationSeconds int  `yaml:"metadata_cache_duration_seconds"`
}

type Session struct {
	CookieName   string `yaml:"cookie_name"`
	CookieSecure bool   `yaml:"cookie_secure"`
	CookieDomain string `yaml:"cookie_domain"`
	JWTSecret    string `yaml:"-"`
}

// User is a statically configured account for the password backend.
// PasswordSHA256 is the hex SHA-256 digest of the password.
type User struct {
	Username       string              `yaml:"username"`
	PasswordSHA256 string              `yaml:"password_sha256"`
	Email          string              `yaml:"email"`
	Attributes     map[string][]string `yaml:"attributes"`
}

// OIDC configures the optional upstream OIDC auth backend. When Issuer is
// empty the static password backend is used instead.
type OIDC struct {
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"-"`
	RedirectPath string   `yaml:"redirect_path"`
	Scopes       []string `yaml:"scopes"`
}

type Config struct {
	Server   Server   `yaml:"server"`
	Crypto   Crypto   `yaml:"crypto"`
	SPs      []SP     `yaml:"sps"`
	Security Security `yaml:"security"`
	Session  Session  `yaml:"session"`
	Users    []User   `yaml:"users"`
	OIDC     OIDC     `yaml:"oidc_upstream"`
}

func (s Security) Skew() time.Duration {
	if s.SkewSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.SkewSeconds) * time.Second
}

func (s Security) AssertionTTL() time.Duration {
	if s.AssertionTTLSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.AssertionTTLSec) * time.Second
}

func (s Security) FlowTTL() time.Duration {
	if s.FlowTTLSec <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(s.FlowTTLSec) * time.Second
}

func (s Security) MaxMessageSize() int {
	if s.MaxMessageBytes <= 0 {
		return 512 * 1024
	}
	return s.MaxMessageBytes
}

func (s Security) MetadataValidity() time.Duration {
	if s.MetadataValidUntilDays <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(s.MetadataValidUntilDays) * 24 * time.Hour
}

func (s Security) MetadataCacheDuration() time.Duration {
	if s.MetadataCacheDurationSeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(s.MetadataCacheDurationSeconds) * time.Second
}
