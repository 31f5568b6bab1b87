package config

import (
	"strings"
	"testing"
)

func TestLoadConfigFileBootstrap(t *testing.T) {
	yamlDoc := `
bootstrap:
  credentials:
    - email: alpha@example.com
      access_token: tok-alpha
      plan_type: chatgpt_pro
    - email: beta@example.com
      refresh_token: rt-beta
      client_id: app_client
      proxy_url: http://127.0.0.1:7890
`

	cfg := &Config{}
	if err := LoadConfigFile(strings.NewReader(yamlDoc), cfg); err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}

	if cfg.Bootstrap == nil {
		t.Fatal("expected bootstrap section")
	}
	if got := len(cfg.Bootstrap.Credentials); got != 2 {
		t.Fatalf("expected 2 credentials, got %d", got)
	}

	first := cfg.Bootstrap.Credentials[0]
	if first.Email != "alpha@example.com" || first.AccessToken != "tok-alpha" {
		t.Errorf("unexpected first credential: %+v", first)
	}
	if first.PlanType != "chatgpt_pro" {
		t.Errorf("expected chatgpt_pro plan, got %q", first.PlanType)
	}

	second := cfg.Bootstrap.Credentials[1]
	if second.RefreshToken != "rt-beta" || second.ClientID != "app_client" {
		t.Errorf("unexpected second credential: %+v", second)
	}
}

func TestLoadConfigFileBootstrapValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "missing email",
			doc: `
bootstrap:
  credentials:
    - access_token: tok
`,
		},
		{
			name: "no tokens at all",
			doc: `
bootstrap:
  credentials:
    - email: a@example.com
`,
		},
		{
			name: "duplicate email",
			doc: `
bootstrap:
  credentials:
    - email: a@example.com
      access_token: t1
    - email: a@example.com
      access_token: t2
`,
		},
		{
			name: "bad proxy scheme",
			doc: `
bootstrap:
  credentials:
    - email: a@example.com
      access_token: t1
      proxy_url: ftp://proxy.local
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			if err := LoadConfigFile(strings.NewReader(tt.doc), cfg); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestRuntimeSnapshotSwap(t *testing.T) {
	rt := NewRuntime(nil)

	snap := rt.Snapshot()
	if snap.APIKey != "han1234" {
		t.Fatalf("unexpected default api key %q", snap.APIKey)
	}
	if snap.ImageTimeout != 300 || snap.VideoTimeout != 3000 {
		t.Fatalf("unexpected default timeouts: %d/%d", snap.ImageTimeout, snap.VideoTimeout)
	}
	if snap.ParseMethod != ParseMethodThirdParty {
		t.Fatalf("unexpected default parse method %q", snap.ParseMethod)
	}

	rt.Update(func(s *Settings) {
		s.CacheEnabled = true
		s.CacheTimeout = -1
	})

	if !rt.Snapshot().CacheEnabled {
		t.Error("update not visible in new snapshot")
	}
	if snap.CacheEnabled {
		t.Error("old snapshot mutated by update")
	}
}
