package testutil

import (
	"context"
	"fmt"
	"io"
	"sync"

	"git.home.luguber.info/inful/gbp/internal/jenkins"
	"git.home.luguber.info/inful/gbp/internal/types"
)

// FakeCI is an in-memory CI server double. Builds are added with AddBuild;
// unknown builds produce NotFoundError like the real server.
type FakeCI struct {
	mu        sync.Mutex
	artifacts map[string][]types.Package
	meta      jenkins.Metadata
	logs      string
	downloads map[string]int
	scheduled []string

	// Err, when set, fails every call with it.
	Err error
}

// NewFakeCI returns an empty fake CI server with fixed metadata.
func NewFakeCI() *FakeCI {
	return &FakeCI{
		artifacts: map[string][]types.Package{},
		meta:      jenkins.Metadata{Duration: 124, Timestamp: 1700000000000},
		logs:      "everything is fine\n",
		downloads: map[string]int{},
	}
}

// AddBuild makes the build's artifact downloadable with the given packages.
func (f *FakeCI) AddBuild(b types.Build, packages ...types.Package) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[b.String()] = packages
}

// Downloads reports how many times the build's artifact was fetched.
func (f *FakeCI) Downloads(b types.Build) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads[b.String()]
}

// Scheduled lists the machines passed to ScheduleBuild.
func (f *FakeCI) Scheduled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scheduled...)
}

func (f *FakeCI) DownloadArtifact(ctx context.Context, b types.Build) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	packages, ok := f.artifacts[b.String()]
	if !ok {
		return nil, &jenkins.NotFoundError{URL: "fake://" + b.String()}
	}
	f.downloads[b.String()]++
	return io.NopCloser(Artifact(packages)), nil
}

func (f *FakeCI) GetLogs(ctx context.Context, b types.Build) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	if _, ok := f.artifacts[b.String()]; !ok {
		return "", &jenkins.NotFoundError{URL: "fake://" + b.String()}
	}
	return fmt.Sprintf("build log for %s\n%s", b, f.logs), nil
}

func (f *FakeCI) GetMetadata(ctx context.Context, b types.Build) (jenkins.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return jenkins.Metadata{}, f.Err
	}
	if _, ok := f.artifacts[b.String()]; !ok {
		return jenkins.Metadata{}, &jenkins.NotFoundError{URL: "fake://" + b.String()}
	}
	return f.meta, nil
}

func (f *FakeCI) ScheduleBuild(ctx context.Context, machine string, params map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	f.scheduled = append(f.scheduled, machine)
	return "fake://queue/" + machine, nil
}
