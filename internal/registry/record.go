package registry

import (
	"encoding/json"
	"fmt"
	"maps"
)

// recordVersion is the schema version written by Encode.
const recordVersion = 1

// InstanceRecord is the identity and placement of one cluster member.
// (App, Datacenter, ID) names at most one live record.
type InstanceRecord struct {
	App        string `json:"app"`
	Datacenter string `json:"datacenter"`
	ID         int    `json:"id"`
	InstanceID string `json:"instanceId"`
	Hostname   string `json:"hostname"`
	HostIP     string `json:"ip"`
	Rack       string `json:"rack"`
	Token      string `json:"token"`
	// Volumes maps mount path to device. It is never nil on records built
	// by this package.
	Volumes map[string]string `json:"volumes"`
}

// wireRecord is the JSON layout of a stored record. The datacenter is not
// part of the payload; it comes from the record's key.
type wireRecord struct {
	Version    int               `json:"version"`
	App        string            `json:"app"`
	ID         *int              `json:"id"`
	InstanceID string            `json:"instanceId"`
	Hostname   string            `json:"hostname"`
	HostIP     string            `json:"ip"`
	Rack       string            `json:"rac"`
	Token      string            `json:"token"`
	Volumes    map[string]string `json:"volumes,omitempty"`
}

// Encode serializes rec in the current schema version.
func Encode(rec *InstanceRecord) ([]byte, error) {
	id := rec.ID
	w := wireRecord{
		Version:    recordVersion,
		App:        rec.App,
		ID:         &id,
		InstanceID: rec.InstanceID,
		Hostname:   rec.Hostname,
		HostIP:     rec.HostIP,
		Rack:       rec.Rack,
		Token:      rec.Token,
		Volumes:    rec.Volumes,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encoding record %s/%d: %w", rec.App, rec.ID, err)
	}
	return data, nil
}

// Decode parses a stored record. A missing version is read as 1; newer
// versions and records without an id are rejected. datacenter is taken from
// the key the payload was stored under.
func Decode(data []byte, datacenter string) (*InstanceRecord, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	if w.Version == 0 {
		w.Version = 1
	}
	if w.Version > recordVersion {
		return nil, fmt.Errorf("decoding record: unsupported version %d", w.Version)
	}
	if w.ID == nil {
		return nil, fmt.Errorf("decoding record: missing id")
	}

	volumes := make(map[string]string, len(w.Volumes))
	maps.Copy(volumes, w.Volumes)
	return &InstanceRecord{
		App:        w.App,
		Datacenter: datacenter,
		ID:         *w.ID,
		InstanceID: w.InstanceID,
		Hostname:   w.Hostname,
		HostIP:     w.HostIP,
		Rack:       w.Rack,
		Token:      w.Token,
		Volumes:    volumes,
	}, nil
}
