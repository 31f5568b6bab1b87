package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/goccy/go-yaml"
)

// BootstrapConfig contains optional seed data applied on startup. Credentials
// listed here are upserted into the database by email, so the file can be left
// in place across restarts without creating duplicates.
type BootstrapConfig struct {
	Credentials []CredentialSeed `yaml:"credentials"`
}

// Validate performs validation of a BootstrapConfig value:
// - Checks for duplicate credential emails
func (cfg *BootstrapConfig) Validate() error {
	seen := make(map[string]struct{}, len(cfg.Credentials))
	for _, cred := range cfg.Credentials {
		if _, exists := seen[cred.Email]; exists {
			return fmt.Errorf("duplicate bootstrap entry for credential %v", cred.Email)
		}

		seen[cred.Email] = struct{}{}
	}

	return nil
}

// unmarshalBootstrapConfig implements a custom YAML unmarshaler for BootstrapConfig.
// Validates the value after unmarshaling.
func unmarshalBootstrapConfig(value *BootstrapConfig, data []byte) error {
	type Aux BootstrapConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = BootstrapConfig(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

// CredentialSeed describes one upstream account to seed into the pool.
type CredentialSeed struct {
	// Email identifies the account. Used as the natural key for upserts.
	Email string `yaml:"email"`

	// AccessToken is the bearer token used for upstream calls. Optional when a
	// refresh token is provided; the refresher will mint one.
	AccessToken string `yaml:"access_token,omitempty"`

	// SessionToken and RefreshToken allow the refresher to renew the access
	// token before it expires.
	SessionToken string `yaml:"session_token,omitempty"`
	RefreshToken string `yaml:"refresh_token,omitempty"`

	// ClientID is the OAuth client used with RefreshToken.
	ClientID string `yaml:"client_id,omitempty"`

	// ProxyURL routes this account's creation calls through a dedicated proxy.
	ProxyURL string `yaml:"proxy_url,omitempty"`

	// PlanType is the subscription tier reported by the upstream ("chatgpt_pro"
	// unlocks the Pro-only models).
	PlanType string `yaml:"plan_type,omitempty"`

	// Remark is free-form operator notes.
	Remark string `yaml:"remark,omitempty"`
}

// Validate performs validation of a CredentialSeed value:
// - Checks that the email is present
// - Checks that at least one usable token is present
// - Verifies ProxyURL is a valid URL
func (cred *CredentialSeed) Validate() error {
	if cred.Email == "" {
		return errors.New("email must be specified in credential seed")
	}

	if cred.AccessToken == "" && cred.SessionToken == "" && cred.RefreshToken == "" {
		return fmt.Errorf("credential seed %v has no access, session, or refresh token", cred.Email)
	}

	if err := validateURLString(cred.ProxyURL); err != nil {
		return err
	}

	return nil
}

// unmarshalCredentialSeed implements a custom YAML unmarshaler for CredentialSeed.
// Validates the value after unmarshaling.
func unmarshalCredentialSeed(value *CredentialSeed, data []byte) error {
	type Aux CredentialSeed
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = CredentialSeed(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

func init() {
	// Register unmarshalers of custom types with the YAML library
	yaml.RegisterCustomUnmarshaler[BootstrapConfig](unmarshalBootstrapConfig)
	yaml.RegisterCustomUnmarshaler[CredentialSeed](unmarshalCredentialSeed)
}

// validateURLString performs basic sanity checks of a string that should contain a valid URL.
// Empty strings are ignored.
func validateURLString(str string) error {
	if str == "" {
		return nil
	}

	u, err := url.Parse(str)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" && u.Scheme != "socks5" {
		return fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL does not contain a hostname")
	}

	return nil
}
