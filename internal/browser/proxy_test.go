package browser

import (
	"testing"
)

func TestProxyConfigNeedsAuth(t *testing.T) {
	tests := []struct {
		name   string
		config *ProxyConfig
		want   bool
	}{
		{"nil config", nil, false},
		{"empty url", &ProxyConfig{URL: ""}, false},
		{"url only no credentials", &ProxyConfig{URL: "http://proxy:8080"}, false},
		{"url with username only", &ProxyConfig{URL: "http://proxy:8080", Username: "user"}, true},
		{"url with full credentials", &ProxyConfig{URL: "http://proxy:8080", Username: "user", Password: "pass"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.config.NeedsAuth(); got != tt.want {
				t.Errorf("NeedsAuth() = %v, want %v", got, tt.want)
			}
		})
	}
}

// The CDP auth mechanism serializes credentials as JSON via rod, so special
// characters must survive the ProxyConfig round-trip unmodified.
func TestProxyConfigStoresCredentialsVerbatim(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
	}{
		{"double quotes", `user"name`, `pass"word`},
		{"backslash", `user\name`, `pass\word`},
		{"at sign and colon", `user@domain.com:8080`, `p@ss:word`},
		{"newline and tab", "user\nname", "pass\tword"},
		{"unicode", "user日本語", "пароль"},
		{"spaces preserved", ` username `, ` password `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := &ProxyConfig{
				URL:      "http://proxy.example.com:8080",
				Username: tt.username,
				Password: tt.password,
			}
			if config.Username != tt.username {
				t.Errorf("Username not stored correctly: got %q, want %q", config.Username, tt.username)
			}
			if config.Password != tt.password {
				t.Errorf("Password not stored correctly: got %q, want %q", config.Password, tt.password)
			}
		})
	}
}

func TestDriverProxyConfigFollowsConfiguration(t *testing.T) {
	cfg := driverTestConfig()
	d := NewDriver(cfg, nil)
	if d.proxyConfig() != nil {
		t.Fatal("expected nil proxy config when no proxy is configured")
	}

	cfg.ProxyURL = "http://proxy:8080"
	cfg.ProxyUsername = "user"
	cfg.ProxyPassword = "pass"
	p := d.proxyConfig()
	if p == nil || !p.NeedsAuth() {
		t.Fatalf("expected auth-requiring proxy config, got %+v", p)
	}
}
