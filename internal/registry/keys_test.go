package registry

import (
	"path/filepath"
	"testing"
)

func TestRemoteKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		parts  []string
		want   string
	}{
		{"app only", "instances", []string{"fake-app"}, "instances/fake-app"},
		{"datacenter", "instances", []string{"fake-app", "us-east-1"}, "instances/fake-app/us-east-1"},
		{"record", "instances", []string{"fake-app", "us-east-1", "7"}, "instances/fake-app/us-east-1/7"},
		{"trailing empty", "instances", []string{"fake-app", "", ""}, "instances/fake-app"},
		{"trailing slash prefix", "instances/", []string{"fake-app"}, "instances/fake-app"},
		{"empty prefix", "", []string{"fake-app", "dc"}, "fake-app/dc"},
		{"prefix only", "instances", nil, "instances"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RemoteKey(tt.prefix, tt.parts...); got != tt.want {
				t.Errorf("RemoteKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLocalPath(t *testing.T) {
	got := LocalPath(filepath.Join("data", "instances"), "fake-app", "us-east-1", "7")
	want := filepath.Join("data", "instances", "fake-app", "us-east-1", "7")
	if got != want {
		t.Errorf("LocalPath = %q, want %q", got, want)
	}
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		key     string
		dc      string
		id      int
		wantErr bool
	}{
		{key: "instances/fake-app/us-east-1/7", dc: "us-east-1", id: 7},
		{key: "instances/fake-app/us-east-1/abc", wantErr: true},
		{key: "instances/fake-app/us-east-1", wantErr: true},
		{key: "instances/fake-app/us-east-1/7/extra", wantErr: true},
		{key: "instances/other-app/us-east-1/7", wantErr: true},
	}
	for _, tt := range tests {
		dc, id, err := parseKey("instances", "fake-app", tt.key)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseKey(%q) should fail", tt.key)
			}
			continue
		}
		if err != nil || dc != tt.dc || id != tt.id {
			t.Errorf("parseKey(%q) = %q, %d, %v", tt.key, dc, id, err)
		}
	}
}
