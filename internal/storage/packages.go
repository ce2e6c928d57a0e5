package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"git.home.luguber.info/inful/gbp/internal/fsutil"
	"git.home.luguber.info/inful/gbp/internal/types"
)

// MetadataFilename is the name of the per-build sidecar inside binpkgs.
const MetadataFilename = "gbp.json"

// packagesIndex is the binhost index file inside binpkgs.
const packagesIndex = "Packages"

// GetPackages parses the build's binpkgs/Packages index. A missing index is a
// LookupError, not an empty list.
func (s *Storage) GetPackages(b types.Build) ([]types.Package, error) {
	path := filepath.Join(s.BuildPath(b, types.ContentBinpkgs), packagesIndex)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &LookupError{Build: b, What: "packages index"}
		}
		return nil, fmt.Errorf("open packages index for %s: %w", b, err)
	}
	defer f.Close()

	return parsePackages(f)
}

// parsePackages reads the rsync-style key/value index: sections separated by
// blank lines, the first (preamble) section discarded.
func parsePackages(r io.Reader) ([]types.Package, error) {
	var packages []types.Package
	section := map[string]string{}
	first := true

	flush := func() error {
		if len(section) == 0 {
			return nil
		}
		defer func() { section = map[string]string{} }()
		if first {
			first = false
			return nil
		}
		pkg, err := packageFromSection(section)
		if err != nil {
			return err
		}
		packages = append(packages, pkg)
		return nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		section[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read packages index: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return packages, nil
}

func packageFromSection(section map[string]string) (types.Package, error) {
	for _, key := range []string{"CPV", "REPO", "PATH", "BUILD_ID", "SIZE", "BUILD_TIME"} {
		if _, ok := section[key]; !ok {
			return types.Package{}, fmt.Errorf("packages index entry missing %s", key)
		}
	}
	buildID, err := strconv.Atoi(section["BUILD_ID"])
	if err != nil {
		return types.Package{}, fmt.Errorf("packages index: bad BUILD_ID %q", section["BUILD_ID"])
	}
	size, err := strconv.ParseInt(section["SIZE"], 10, 64)
	if err != nil {
		return types.Package{}, fmt.Errorf("packages index: bad SIZE %q", section["SIZE"])
	}
	buildTime, err := strconv.ParseInt(section["BUILD_TIME"], 10, 64)
	if err != nil {
		return types.Package{}, fmt.Errorf("packages index: bad BUILD_TIME %q", section["BUILD_TIME"])
	}
	return types.Package{
		CPV:       section["CPV"],
		Repo:      section["REPO"],
		Path:      section["PATH"],
		BuildID:   buildID,
		Size:      size,
		BuildTime: buildTime,
	}, nil
}

// GetMetadata reads the build's gbp.json sidecar. A missing sidecar is a
// LookupError.
func (s *Storage) GetMetadata(b types.Build) (types.GBPMetadata, error) {
	path := filepath.Join(s.BuildPath(b, types.ContentBinpkgs), MetadataFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.GBPMetadata{}, &LookupError{Build: b, What: MetadataFilename}
		}
		return types.GBPMetadata{}, fmt.Errorf("read %s for %s: %w", MetadataFilename, b, err)
	}
	var meta types.GBPMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return types.GBPMetadata{}, fmt.Errorf("parse %s for %s: %w", MetadataFilename, b, err)
	}
	return meta, nil
}

// SetMetadata writes the build's gbp.json sidecar atomically.
func (s *Storage) SetMetadata(b types.Build, meta types.GBPMetadata) error {
	if !s.Pulled(b) {
		return fmt.Errorf("set metadata for %s: %w", b, ErrNotPulled)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s for %s: %w", MetadataFilename, b, err)
	}
	path := filepath.Join(s.BuildPath(b, types.ContentBinpkgs), MetadataFilename)
	if err := fsutil.Save(strings.NewReader(string(data)+"\n"), path); err != nil {
		return fmt.Errorf("write %s for %s: %w", MetadataFilename, b, err)
	}
	return nil
}
