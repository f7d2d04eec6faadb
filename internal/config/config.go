package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.Server.ExternalURL == "" || c.Server.Listen == "" {
		return fmt.Errorf("server.external_url and server.listen required")
	}
	if len(c.SPs) == 0 {
		return fmt.Errorf("at least one SP required")
	}
	for i, sp := range c.SPs {
		if sp.EntityID == "" || sp.ACSURL == "" {
			return fmt.Errorf("sps[%d]: entity_id and acs_url required", i)
		}
		switch sp.ResponseBinding {
		case "", "post", "redirect":
		default:
			return fmt.Errorf("sps[%d]: response_binding must be post or redirect", i)
		}
		if sp.WantSignedRequests && sp.CertPEM == "" {
			return fmt.Errorf("sps[%d]: want_signed_requests needs cert_pem", i)
		}
	}
	if c.Crypto.ActiveKey == "" || len(c.Crypto.Keys) == 0 {
		return fmt.Errorf("crypto.active_key and at least one key required")
	}
	if c.OIDC.Issuer == "" && len(c.Users) == 0 {
		return fmt.Errorf("either oidc_upstream.issuer or at least one user required")
	}
	if c.OIDC.Issuer != "" && (c.OIDC.ClientID == "" || c.OIDC.RedirectPath == "") {
		return fmt.Errorf("oidc_upstream client_id/redirect_path required")
	}
	return nil
}
