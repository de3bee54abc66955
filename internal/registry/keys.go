package registry

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// appendParts joins prefix and the non-empty parts with sep. Passing fewer
// parts addresses a whole app or datacenter.
func appendParts(sep, prefix string, parts ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(prefix, sep))
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(sep)
		}
		b.WriteString(p)
	}
	return b.String()
}

// RemoteKey returns prefix[/app[/datacenter[/id]]].
func RemoteKey(prefix string, parts ...string) string {
	return appendParts("/", prefix, parts...)
}

// LocalPath is RemoteKey under a local directory.
func LocalPath(prefix string, parts ...string) string {
	return filepath.FromSlash(appendParts("/", filepath.ToSlash(prefix), parts...))
}

// recordParts returns the key segments of one record.
func recordParts(app, datacenter string, id int) []string {
	return []string{app, datacenter, strconv.Itoa(id)}
}

// parseKey extracts the datacenter and id from a record key under
// prefix/app/.
func parseKey(prefix, app, key string) (string, int, error) {
	rest, ok := strings.CutPrefix(key, RemoteKey(prefix, app)+"/")
	if !ok {
		return "", 0, fmt.Errorf("key %q is outside app %q", key, app)
	}
	segments := strings.Split(rest, "/")
	if len(segments) != 2 || segments[0] == "" {
		return "", 0, fmt.Errorf("key %q is not app/datacenter/id", key)
	}
	id, err := strconv.Atoi(segments[1])
	if err != nil {
		return "", 0, fmt.Errorf("key %q has a non-numeric id: %w", key, err)
	}
	return segments[0], id, nil
}
