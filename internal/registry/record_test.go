package registry

import (
	"strings"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	rec := &InstanceRecord{
		App:        "fake-app",
		Datacenter: "us-east-1",
		ID:         7,
		InstanceID: "i-1",
		Hostname:   "h",
		HostIP:     "10.0.0.1",
		Rack:       "az1",
		Token:      "T1",
		Volumes:    map[string]string{"/data": "/dev/xvdb"},
	}
	data, err := Encode(rec)
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{`"version":1`, `"instanceId":"i-1"`, `"ip":"10.0.0.1"`, `"rac":"az1"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("encoded record missing %s: %s", field, data)
		}
	}

	got, err := Decode(data, "us-east-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.App != rec.App || got.ID != rec.ID || got.InstanceID != rec.InstanceID ||
		got.Hostname != rec.Hostname || got.HostIP != rec.HostIP || got.Rack != rec.Rack ||
		got.Token != rec.Token || got.Datacenter != rec.Datacenter {
		t.Errorf("decoded = %+v", got)
	}
	if got.Volumes["/data"] != "/dev/xvdb" {
		t.Errorf("volumes = %v", got.Volumes)
	}
}

func TestDecodeDefaults(t *testing.T) {
	got, err := Decode([]byte(`{"app":"a","id":0,"token":"t"}`), "dc")
	if err != nil {
		t.Fatal(err)
	}
	if got.Volumes == nil || len(got.Volumes) != 0 {
		t.Errorf("volumes = %v, want empty map", got.Volumes)
	}
	if got.ID != 0 || got.Datacenter != "dc" {
		t.Errorf("decoded = %+v", got)
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"newer version", `{"version":2,"app":"a","id":1}`},
		{"missing id", `{"app":"a"}`},
		{"not json", `id=1`},
		{"wrong id type", `{"app":"a","id":"one"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data), "dc"); err == nil {
				t.Error("expected error")
			}
		})
	}
}
