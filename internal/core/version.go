package core

import (
	"log/slog"
	"strings"
)

// Version lifecycle statuses.
const (
	VersionCurrent    = "current"
	VersionDeprecated = "deprecated"
	VersionSunset     = "sunset"
)

// VersionInfo is the declared state of one API version.
type VersionInfo struct {
	Version      string `json:"version"`
	Status       string `json:"status"`
	DeprecatedAt string `json:"deprecatedAt,omitempty"`
	SunsetAt     string `json:"sunsetAt,omitempty"`
}

// VersionNegotiator resolves per-request version hints and annotates
// responses served under a deprecated or sunset version.
type VersionNegotiator struct {
	defaultVersion string
	versions       map[string]VersionInfo
	logger         *slog.Logger
}

// NewVersionNegotiator constructs a negotiator. The default version must be
// one of the declared versions.
func NewVersionNegotiator(defaultVersion string, versions []VersionInfo, logger *slog.Logger) *VersionNegotiator {
	m := make(map[string]VersionInfo, len(versions))
	for _, v := range versions {
		m[v.Version] = v
	}
	if _, ok := m[defaultVersion]; !ok {
		m[defaultVersion] = VersionInfo{Version: defaultVersion, Status: VersionCurrent}
	}
	return &VersionNegotiator{
		defaultVersion: defaultVersion,
		versions:       m,
		logger:         logger.With("component", "version"),
	}
}

// Default returns the configured default version label.
func (n *VersionNegotiator) Default() string {
	return n.defaultVersion
}

// Parse resolves a requested version hint, accepting both "v1" and bare "1"
// forms. Missing or unrecognized hints fall back to the default with a log,
// never an error.
func (n *VersionNegotiator) Parse(hint string) string {
	if hint == "" {
		return n.defaultVersion
	}
	candidate := hint
	if !strings.HasPrefix(candidate, "v") {
		candidate = "v" + candidate
	}
	if _, ok := n.versions[candidate]; ok {
		return candidate
	}
	n.logger.Warn("Unrecognized API version requested, falling back to default.",
		slog.String("requested", hint),
		slog.String("default", n.defaultVersion))
	return n.defaultVersion
}

// Recommended returns the version clients should migrate to: the first
// declared version with current status, else the default.
func (n *VersionNegotiator) Recommended() string {
	for _, v := range n.versions {
		if v.Status == VersionCurrent {
			return v.Version
		}
	}
	return n.defaultVersion
}

// Annotate adds an _apiVersion block to object results served under a
// deprecated or sunset version. Current versions pass through untouched, as
// do non-object results.
func (n *VersionNegotiator) Annotate(result interface{}, version string) interface{} {
	info, ok := n.versions[version]
	if !ok || info.Status == VersionCurrent {
		return result
	}
	obj, ok := result.(map[string]interface{})
	if !ok {
		return result
	}
	annotated := make(map[string]interface{}, len(obj)+1)
	for k, v := range obj {
		annotated[k] = v
	}
	annotated["_apiVersion"] = map[string]interface{}{
		"version":     info.Version,
		"status":      info.Status,
		"deprecated":  info.DeprecatedAt,
		"sunset":      info.SunsetAt,
		"recommended": n.Recommended(),
	}
	return annotated
}
