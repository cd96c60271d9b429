package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Resource types stored in the catalog
const (
	ResourcePlaybook   = "Playbook"
	ResourceSecret     = "Secret"
	ResourceCredential = "Credential"
)

// InitialVersion is assigned on first registration of a path
const InitialVersion = "0.1.0"

// CatalogEntry is one immutable versioned resource
type CatalogEntry struct {
	ResourcePath    string                 `json:"resource_path"`
	ResourceVersion string                 `json:"resource_version"`
	ResourceType    string                 `json:"resource_type"`
	Content         string                 `json:"content"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	Meta            map[string]interface{} `json:"meta,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}

// ParseVersion parses a dotted MAJOR.MINOR.PATCH version
func ParseVersion(version string) (major, minor, patch int, err error) {
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("invalid version %q: want MAJOR.MINOR.PATCH", version)
	}
	nums := make([]int, 3)
	for i, part := range parts {
		nums[i], err = strconv.Atoi(part)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid version %q: %w", version, err)
		}
	}
	return nums[0], nums[1], nums[2], nil
}

// NextVersion increments the PATCH component; empty input yields the initial
// version.
func NextVersion(version string) (string, error) {
	if version == "" {
		return InitialVersion, nil
	}
	major, minor, patch, err := ParseVersion(version)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d.%d", major, minor, patch+1), nil
}

// CompareVersions compares two dotted versions as integer triples. Returns
// -1, 0 or 1. Malformed versions compare lexicographically as a fallback.
func CompareVersions(a, b string) int {
	am, an, ap, errA := ParseVersion(a)
	bm, bn, bp, errB := ParseVersion(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	if am != bm {
		return compareInt(am, bm)
	}
	if an != bn {
		return compareInt(an, bn)
	}
	return compareInt(ap, bp)
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
