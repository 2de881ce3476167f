package graph

import (
	"fmt"
	"regexp"
	"strings"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s can be used as a label, relationship
// type or indexed property name.
func ValidIdentifier(s string) bool {
	return identPattern.MatchString(s)
}

// CheckIdentifiers returns an error naming the first invalid identifier.
func CheckIdentifiers(ids ...string) error {
	for _, id := range ids {
		if !ValidIdentifier(id) {
			return fmt.Errorf("invalid identifier %q", id)
		}
	}
	return nil
}

// Quote wraps a property key in backticks for use in Cypher.
func Quote(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

// DFType returns the relationship type of the directly-follows edges of one
// entity type: "DF_" followed by the type with every character that is not
// a letter, digit or underscore replaced by "_".
func DFType(entityType string) string {
	var sb strings.Builder
	sb.WriteString(RelDF)
	sb.WriteByte('_')
	for _, r := range entityType {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// IsDFType reports whether relType is a global or per-type directly-follows type.
func IsDFType(relType string) bool {
	return relType == RelDF || strings.HasPrefix(relType, RelDF+"_")
}
