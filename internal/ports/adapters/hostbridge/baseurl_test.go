package hostbridge

import "testing"

func TestValidateBaseURL(t *testing.T) {
	tests := []struct {
		name         string
		baseURL      string
		allowedHosts []string
		wantErr      bool
	}{
		{
			name:    "default loopback",
			baseURL: "",
		},
		{
			name:    "localhost with port",
			baseURL: "http://localhost:9000/",
		},
		{
			name:    "ipv6 loopback",
			baseURL: "http://[::1]:8765",
		},
		{
			name:    "reject non-absolute URL",
			baseURL: "127.0.0.1:8765",
			wantErr: true,
		},
		{
			name:         "reject http for remote host",
			baseURL:      "http://editor.lan",
			allowedHosts: []string{"editor.lan"},
			wantErr:      true,
		},
		{
			name:         "allow https for configured host",
			baseURL:      "https://editor.lan:8443",
			allowedHosts: []string{"https://editor.lan:8443/"},
		},
		{
			name:    "reject unknown host by default",
			baseURL: "https://evil.example",
			wantErr: true,
		},
		{
			name:    "reject userinfo",
			baseURL: "http://user:pw@127.0.0.1:8765",
			wantErr: true,
		},
		{
			name:    "reject query",
			baseURL: "http://127.0.0.1:8765?x=1",
			wantErr: true,
		},
		{
			name:    "reject other schemes",
			baseURL: "ftp://127.0.0.1",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBaseURL("bridge url", tt.baseURL, tt.allowedHosts)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestNormalizeAllowedHosts_DefaultWhenEmpty(t *testing.T) {
	out := normalizeAllowedHosts([]string{" ", "https://", "http://"})
	if len(out) != len(defaultAllowedHosts) {
		t.Fatalf("expected default allowed hosts, got %v", out)
	}
}
