package types

import "fmt"

// MaxTagLength is the longest allowed tag name.
const MaxTagLength = 128

// InvalidTagError reports a tag name that violates the tag grammar.
type InvalidTagError struct {
	Name string
}

func (e *InvalidTagError) Error() string {
	return fmt.Sprintf("invalid tag name: %q", e.Name)
}

// CheckTagName validates a tag name. The empty tag is valid and means
// "published". Non-empty tags are at most MaxTagLength characters of ASCII
// letters, digits, '_', '.' and '-', and may not start with '.' or '-'.
func CheckTagName(name string) error {
	if name == "" {
		return nil
	}
	if len(name) > MaxTagLength {
		return &InvalidTagError{Name: name}
	}
	if name[0] == '.' || name[0] == '-' {
		return &InvalidTagError{Name: name}
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '.' || c == '-':
		default:
			return &InvalidTagError{Name: name}
		}
	}
	return nil
}

// ParseTag splits the "<machine>@<tag>" form. A missing '@' means the empty
// (published) tag.
func ParseTag(s string) (machine, tag string, err error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			machine, tag = s[:i], s[i+1:]
			if machine == "" {
				return "", "", &InvalidTagError{Name: s}
			}
			if err := CheckTagName(tag); err != nil {
				return "", "", err
			}
			return machine, tag, nil
		}
	}
	if s == "" {
		return "", "", &InvalidTagError{Name: s}
	}
	return s, "", nil
}
