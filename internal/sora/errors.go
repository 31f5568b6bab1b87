package sora

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	codeUnsupportedCountry = "unsupported_country_code"
	codeCfShield           = "cf_shield_429"
)

// UpstreamError is a non-2xx reply from the generation backend. Code carries
// error.code when the body is the structured {"error":{...}} envelope.
type UpstreamError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("API request failed: %d - %s", e.StatusCode, e.Body)
}

// UnsupportedCountryError carries the upstream payload untouched so callers
// can forward it to the client verbatim.
type UnsupportedCountryError struct {
	Payload string
}

func (e *UnsupportedCountryError) Error() string { return e.Payload }

// IsCfShield reports whether err is the Cloudflare shield / rate limit reply.
// Shield events are never debited against the credential and polling loops
// must abort on them instead of retrying.
func IsCfShield(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Code == codeCfShield
}

// IsAuthExpired reports whether err is an upstream 401. The credential behind
// the call is dead and must be marked expired.
func IsAuthExpired(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.StatusCode == http.StatusUnauthorized
}

// IsOverload reports whether the upstream rejected the call because the
// service is saturated. Overloads count toward error totals but not toward
// the consecutive-error ban.
func IsOverload(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "heavy_load") || strings.Contains(s, "under heavy load")
}

// StructuredPayload returns the upstream error envelope verbatim when err
// carries one, so the gateway can forward it to the caller untouched.
func StructuredPayload(err error) (string, bool) {
	var uc *UnsupportedCountryError
	if errors.As(err, &uc) {
		return uc.Payload, true
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		body := strings.TrimSpace(ue.Body)
		var fields map[string]json.RawMessage
		if json.Unmarshal([]byte(body), &fields) == nil {
			if _, ok := fields["error"]; ok {
				return body, true
			}
		}
	}
	return "", false
}

// errorCode extracts error.code from a structured error body.
func errorCode(body []byte) string {
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Error.Code
}

func errorKind(status int, code string) string {
	switch {
	case code == codeCfShield:
		return "cf_shield"
	case code == codeUnsupportedCountry:
		return "unsupported_country"
	case status == http.StatusUnauthorized:
		return "auth_expired"
	case status == http.StatusTooManyRequests:
		return "rate_limit"
	default:
		return "generic"
	}
}
