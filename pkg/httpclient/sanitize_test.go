package httpclient

import (
	"net/url"
	"testing"
)

func TestSanitizeURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain params pass through untouched",
			input:    "https://target.example.com/run?env=staging&browser=chrome",
			expected: "https://target.example.com/run?env=staging&browser=chrome",
		},
		{
			name:     "api key redacted",
			input:    "https://target.example.com/run?api_key=secret123&env=staging",
			expected: "https://target.example.com/run?api_key=%5BREDACTED%5D&env=staging",
		},
		{
			name:     "signed token redacted",
			input:    "https://reports.example.com/export?token=abc123&format=csv",
			expected: "https://reports.example.com/export?format=csv&token=%5BREDACTED%5D",
		},
		{
			name:     "multiple credentials redacted",
			input:    "https://target.example.com/run?api_key=k&token=t&password=p",
			expected: "https://target.example.com/run?api_key=%5BREDACTED%5D&password=%5BREDACTED%5D&token=%5BREDACTED%5D",
		},
		{
			name:     "case insensitive matching",
			input:    "https://target.example.com/run?API_KEY=secret&ToKeN=tok",
			expected: "https://target.example.com/run?API_KEY=%5BREDACTED%5D&ToKeN=%5BREDACTED%5D",
		},
		{
			name:     "signature redacted",
			input:    "https://hooks.example.com/cb?signature=deadbeef",
			expected: "https://hooks.example.com/cb?signature=%5BREDACTED%5D",
		},
		{
			name:     "marker inside longer name",
			input:    "https://target.example.com/run?my_api_key_value=secret",
			expected: "https://target.example.com/run?my_api_key_value=%5BREDACTED%5D",
		},
		{
			name:     "no query string",
			input:    "https://target.example.com/run",
			expected: "https://target.example.com/run",
		},
		{
			name:     "empty query string",
			input:    "https://target.example.com/run?",
			expected: "https://target.example.com/run?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.input)
			if err != nil {
				t.Fatalf("failed to parse input URL: %v", err)
			}

			result := sanitizeURL(u)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestSanitizeURL_Nil(t *testing.T) {
	if result := sanitizeURL(nil); result != "" {
		t.Errorf("expected empty string for nil URL, got %q", result)
	}
}

func TestCredentialParam(t *testing.T) {
	tests := []struct {
		param    string
		expected bool
	}{
		{"api_key", true},
		{"APIKEY", true},
		{"token", true},
		{"bearer_token", true},
		{"password", true},
		{"auth", true},
		{"secret", true},
		{"credential", true},
		{"signature", true},
		{"env", false},
		{"browser", false},
		{"build_tag", false},
		{"page", false},
	}

	for _, tt := range tests {
		t.Run(tt.param, func(t *testing.T) {
			if got := credentialParam(tt.param); got != tt.expected {
				t.Errorf("credentialParam(%q) = %v, expected %v", tt.param, got, tt.expected)
			}
		})
	}
}
