package types

import (
	"fmt"
	"strings"
)

// CPV is a parsed Gentoo category/package-version identifier.
type CPV struct {
	Category string
	Package  string
	Version  string
}

func (c CPV) String() string {
	return c.Category + "/" + c.Package + "-" + c.Version
}

// ParseCPV splits "category/package-version". The version is the suffix
// starting at the first "-<digit>" boundary, per Portage naming rules.
func ParseCPV(s string) (CPV, error) {
	category, rest, found := strings.Cut(s, "/")
	if !found || category == "" || rest == "" {
		return CPV{}, fmt.Errorf("invalid cpv: %q", s)
	}
	for i := 1; i < len(rest)-1; i++ {
		if rest[i] == '-' && rest[i+1] >= '0' && rest[i+1] <= '9' {
			return CPV{Category: category, Package: rest[:i], Version: rest[i+1:]}, nil
		}
	}
	return CPV{}, fmt.Errorf("invalid cpv: %q", s)
}
