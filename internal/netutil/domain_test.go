package netutil

import "testing"

func TestSiteName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"https://sub.airport.co.uk/api?token=x", "airport.co.uk"},
		{"http://api.example.com:8080/path?q=1", "example.com"},
		{"//cdn.Example.COM/path", "example.com"},
		{"www.google.co.uk:443", "google.co.uk"},
		{"example.com.", "example.com"},
		{"192.168.1.1:8080", "192.168.1.1"},
		{"http://[2001:db8::1]:8080/s", "2001:db8::1"},
		{"[::1]", "::1"},
		{"localhost:3000", "localhost"},
		{"https:///no-host", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := SiteName(tt.input); got != tt.want {
				t.Errorf("SiteName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
