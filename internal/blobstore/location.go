package blobstore

import "strings"

// ParseLocation extracts a store key from a location string. Accepted forms:
// a bare key, an az://<container>/<key> URL, or an https URL whose path
// contains the container segment.
func ParseLocation(container, location string) string {
	i := strings.Index(location, "://")
	if i < 0 {
		return strings.TrimPrefix(location, "/")
	}

	rest := location[i+3:]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) < 2 {
		return ""
	}

	host, path := parts[0], parts[1]
	if container != "" {
		if host == container {
			return path
		}
		if strings.HasPrefix(path, container+"/") {
			return strings.TrimPrefix(path, container+"/")
		}
	}
	return path
}

// HTTPSLocation rewrites an az:// location to its https:// equivalent.
// Other locations pass through unchanged.
func HTTPSLocation(location string) string {
	if strings.HasPrefix(location, "az://") {
		return "https://" + strings.TrimPrefix(location, "az://")
	}
	return location
}
