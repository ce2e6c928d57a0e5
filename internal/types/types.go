// Package types defines the core value types shared across the build
// publisher: builds, build records, packages, per-build content trees and the
// gbp.json sidecar metadata.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Content identifies one of the per-build subtrees. Every build stores exactly
// these four trees; the set is closed.
type Content string

const (
	ContentRepos         Content = "repos"
	ContentBinpkgs       Content = "binpkgs"
	ContentEtcPortage    Content = "etc-portage"
	ContentVarLibPortage Content = "var-lib-portage"
)

// ContentDirs lists all content subtrees in a stable order.
var ContentDirs = []Content{ContentRepos, ContentBinpkgs, ContentEtcPortage, ContentVarLibPortage}

// Build identifies a CI-produced artifact as (machine, build id). It is an
// immutable value; the string form is "<machine>.<build_id>".
type Build struct {
	Machine string `json:"machine"`
	BuildID string `json:"build_id"`
}

// InvalidBuildError reports a malformed build identifier.
type InvalidBuildError struct {
	ID string
}

func (e *InvalidBuildError) Error() string {
	return fmt.Sprintf("invalid build identifier: %q", e.ID)
}

// NewBuild returns a Build, validating that both parts are non-empty.
func NewBuild(machine, buildID string) (Build, error) {
	if machine == "" || buildID == "" {
		return Build{}, &InvalidBuildError{ID: machine + "." + buildID}
	}
	return Build{Machine: machine, BuildID: buildID}, nil
}

// ParseBuild parses the "<machine>.<build_id>" string form.
func ParseBuild(id string) (Build, error) {
	machine, buildID, found := strings.Cut(id, ".")
	if !found || machine == "" || buildID == "" {
		return Build{}, &InvalidBuildError{ID: id}
	}
	return Build{Machine: machine, BuildID: buildID}, nil
}

func (b Build) String() string {
	return b.Machine + "." + b.BuildID
}

// BuildRecord is a Build plus its mutable metadata as persisted in the record
// store. Timestamp fields are nil until the corresponding lifecycle step has
// happened.
type BuildRecord struct {
	Build

	Note      string     `json:"note,omitempty"`
	Logs      string     `json:"logs,omitempty"`
	Keep      bool       `json:"keep"`
	Submitted *time.Time `json:"submitted,omitempty"`
	Completed *time.Time `json:"completed,omitempty"`
	Built     *time.Time `json:"built,omitempty"`
}

// Record wraps a Build in a zero-valued BuildRecord.
func Record(b Build) BuildRecord {
	return BuildRecord{Build: b}
}

// Package is one entry parsed from a build's binpkgs/Packages index.
type Package struct {
	CPV       string `json:"cpv"`
	Repo      string `json:"repo"`
	Path      string `json:"path"`
	BuildID   int    `json:"build_id"`
	Size      int64  `json:"size"`
	BuildTime int64  `json:"build_time"`
}

// CPVB returns the package identity key: the CPV plus the binary-package
// build id suffix.
func (p Package) CPVB() string {
	return fmt.Sprintf("%s-%d", p.CPV, p.BuildID)
}

// PackageSummary aggregates a build's package list for the gbp.json sidecar.
type PackageSummary struct {
	Total int       `json:"total"`
	Size  int64     `json:"size"`
	Built []Package `json:"built"`
}

// GBPMetadata is the per-build sidecar written to binpkgs/gbp.json on pull.
// It is derived data and can be regenerated from the package index and the
// build record.
type GBPMetadata struct {
	BuildDuration int64          `json:"build_duration"`
	Packages      PackageSummary `json:"packages"`
	GBPHostname   string         `json:"gbp_hostname"`
	GBPVersion    string         `json:"gbp_version"`
}

// ApiKey is a named credential for mutating API calls. The key material is
// stored encrypted; LastUsed is bumped on each successful authentication.
type ApiKey struct {
	Name     string     `json:"name"`
	Key      string     `json:"key"`
	Created  time.Time  `json:"created"`
	LastUsed *time.Time `json:"last_used,omitempty"`
}
