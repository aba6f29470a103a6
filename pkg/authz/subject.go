package authz

import "strings"

// AnonymousID is the subject id used when a token carries no subject claim.
const AnonymousID = "anonymous"

// Flags are the privilege bits carried by a subject.
type Flags struct {
	Admin     bool
	Publisher bool
}

// Subject is the authorization context of one connection: who it is and which
// tables it may observe. It is immutable once built.
type Subject struct {
	id     string
	flags  Flags
	tables []string
	lookup map[string]struct{}
}

// NewSubject builds a Subject. Table names are trimmed, empty names dropped
// and duplicates collapsed keeping the first occurrence, so the resulting
// order is stable.
func NewSubject(id string, flags Flags, tables []string) Subject {
	if id == "" {
		id = AnonymousID
	}

	s := Subject{
		id:     id,
		flags:  flags,
		tables: make([]string, 0, len(tables)),
		lookup: make(map[string]struct{}, len(tables)),
	}
	for _, t := range tables {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := s.lookup[t]; dup {
			continue
		}
		s.lookup[t] = struct{}{}
		s.tables = append(s.tables, t)
	}
	return s
}

// ParseTables splits a comma separated table claim such as "pages,users".
func ParseTables(claim string) []string {
	if strings.TrimSpace(claim) == "" {
		return nil
	}
	return strings.Split(claim, ",")
}

// ID returns the subject identifier.
func (s Subject) ID() string {
	return s.id
}

// IsAdmin reports whether the subject carries the admin flag.
func (s Subject) IsAdmin() bool {
	return s.flags.Admin
}

// IsPublisher reports whether the subject carries the publisher flag.
func (s Subject) IsPublisher() bool {
	return s.flags.Publisher
}

// CanPublish reports whether the subject may publish through privileged
// surfaces such as the REST API.
func (s Subject) CanPublish() bool {
	return s.flags.Admin || s.flags.Publisher
}

// Tables returns a copy of the authorized tables in insertion order.
func (s Subject) Tables() []string {
	out := make([]string, len(s.tables))
	copy(out, s.tables)
	return out
}

// CanAccess reports whether table is one of the subject's authorized tables.
func (s Subject) CanAccess(table string) bool {
	_, ok := s.lookup[table]
	return ok
}
