package publisher

import (
	"context"
	"sort"

	"git.home.luguber.info/inful/gbp/internal/types"
)

// ChangeState classifies one line of a binpkg diff.
type ChangeState int

const (
	Removed ChangeState = iota
	Added
	Changed
)

func (s ChangeState) String() string {
	switch s {
	case Removed:
		return "REMOVED"
	case Added:
		return "ADDED"
	case Changed:
		return "CHANGED"
	}
	return "UNKNOWN"
}

// Change is one entry in a binpkg diff.
type Change struct {
	Item  string
	State ChangeState
}

// DiffBinpkgs diffs the two builds' package identity (cpvb) lists. Because
// the inputs are sorted unique identifiers, the line diff reduces to the
// symmetric set difference: entries only in left are REMOVED, entries only
// in right are ADDED, and nothing is ever CHANGED. Diffing a build against
// itself yields nothing.
func (p *Publisher) DiffBinpkgs(ctx context.Context, left, right types.Build) ([]Change, error) {
	if left == right {
		return nil, nil
	}

	leftItems, err := p.cpvbs(left)
	if err != nil {
		return nil, err
	}
	rightItems, err := p.cpvbs(right)
	if err != nil {
		return nil, err
	}

	var changes []Change
	i, j := 0, 0
	for i < len(leftItems) || j < len(rightItems) {
		switch {
		case j == len(rightItems) || (i < len(leftItems) && leftItems[i] < rightItems[j]):
			changes = append(changes, Change{Item: leftItems[i], State: Removed})
			i++
		case i == len(leftItems) || rightItems[j] < leftItems[i]:
			changes = append(changes, Change{Item: rightItems[j], State: Added})
			j++
		default: // equal: unchanged lines are suppressed
			i++
			j++
		}
	}
	return changes, nil
}

func (p *Publisher) cpvbs(b types.Build) ([]string, error) {
	packages, err := p.storage.GetPackages(b)
	if err != nil {
		return nil, err
	}
	items := make([]string, len(packages))
	for i, pkg := range packages {
		items[i] = pkg.CPVB()
	}
	sort.Strings(items)
	return items, nil
}
