package blobstore

import "testing"

func TestParseLocation(t *testing.T) {
	tests := []struct {
		name      string
		container string
		location  string
		want      string
	}{
		{"bare key", "audiences", "working/a/b.csv", "working/a/b.csv"},
		{"bare key leading slash", "audiences", "/working/a/b.csv", "working/a/b.csv"},
		{"az container host", "audiences", "az://audiences/working/a/b.csv", "working/a/b.csv"},
		{"az foreign host", "audiences", "az://other/working/a/b.csv", "working/a/b.csv"},
		{"https container in path", "audiences", "https://acct.blob.example.net/audiences/working/a/b.csv", "working/a/b.csv"},
		{"https no container", "", "https://acct.blob.example.net/working/a/b.csv", "working/a/b.csv"},
		{"url without path", "audiences", "az://audiences", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseLocation(tt.container, tt.location); got != tt.want {
				t.Errorf("ParseLocation(%q, %q) = %q, want %q", tt.container, tt.location, got, tt.want)
			}
		})
	}
}

func TestHTTPSLocation(t *testing.T) {
	if got := HTTPSLocation("az://acct.blob.example.net/audiences/x.csv"); got != "https://acct.blob.example.net/audiences/x.csv" {
		t.Errorf("HTTPSLocation az = %q", got)
	}
	if got := HTTPSLocation("https://example.com/x.csv"); got != "https://example.com/x.csv" {
		t.Errorf("HTTPSLocation https = %q", got)
	}
	if got := HTTPSLocation("working/x.csv"); got != "working/x.csv" {
		t.Errorf("HTTPSLocation bare = %q", got)
	}
}
