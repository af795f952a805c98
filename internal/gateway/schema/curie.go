// Package schema defines the wire identity of messages (curies and
// versioned schema ids), the dynamic message record, and the explicit
// type registry the dispatcher resolves against.
package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	segmentRe  = regexp.MustCompile(`^[a-z0-9-]+$`)
	categoryRe = regexp.MustCompile(`^[a-z0-9-]*$`)
	versionRe  = regexp.MustCompile(`^(\d+)-(\d+)-(\d+)$`)
)

// Curie identifies a message type without its version, in the form
// vendor:package:category:message. The category segment may be empty.
type Curie struct {
	Vendor   string
	Package  string
	Category string
	Message  string
}

// ParseCurie parses a vendor:package:category:message string.
func ParseCurie(s string) (Curie, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return Curie{}, &InvalidError{Reason: fmt.Sprintf("curie %q must have 4 segments", s)}
	}
	c := Curie{Vendor: parts[0], Package: parts[1], Category: parts[2], Message: parts[3]}
	if err := c.validate(); err != nil {
		return Curie{}, err
	}
	return c, nil
}

func (c Curie) validate() error {
	if !segmentRe.MatchString(c.Vendor) {
		return &InvalidError{Reason: fmt.Sprintf("curie vendor %q is invalid", c.Vendor)}
	}
	if !segmentRe.MatchString(c.Package) {
		return &InvalidError{Reason: fmt.Sprintf("curie package %q is invalid", c.Package)}
	}
	if !categoryRe.MatchString(c.Category) {
		return &InvalidError{Reason: fmt.Sprintf("curie category %q is invalid", c.Category)}
	}
	if !segmentRe.MatchString(c.Message) {
		return &InvalidError{Reason: fmt.Sprintf("curie message %q is invalid", c.Message)}
	}
	return nil
}

func (c Curie) String() string {
	return c.Vendor + ":" + c.Package + ":" + c.Category + ":" + c.Message
}

// IsZero reports whether the curie is entirely unset.
func (c Curie) IsZero() bool {
	return c == Curie{}
}

// ID is a versioned schema identifier in the form
// vendor:package:category:message:major-minor-patch.
type ID struct {
	Curie Curie
	Major int
	Minor int
	Patch int
}

// ParseID parses a vendor:package:category:message:major-minor-patch string.
func ParseID(s string) (ID, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return ID{}, &InvalidError{Reason: fmt.Sprintf("schema id %q must have 5 segments", s)}
	}
	curie, err := ParseCurie(s[:idx])
	if err != nil {
		return ID{}, err
	}
	m := versionRe.FindStringSubmatch(s[idx+1:])
	if m == nil {
		return ID{}, &InvalidError{Reason: fmt.Sprintf("schema id %q has invalid version %q", s, s[idx+1:])}
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])
	return ID{Curie: curie, Major: major, Minor: minor, Patch: patch}, nil
}

func (id ID) String() string {
	return fmt.Sprintf("%s:%d-%d-%d", id.Curie, id.Major, id.Minor, id.Patch)
}

// IsZero reports whether the id is entirely unset.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Newer reports whether id has a higher version than other. Curies are
// not compared.
func (id ID) Newer(other ID) bool {
	if id.Major != other.Major {
		return id.Major > other.Major
	}
	if id.Minor != other.Minor {
		return id.Minor > other.Minor
	}
	return id.Patch > other.Patch
}
