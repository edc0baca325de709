package cqlpool

import (
	"github.com/pkg/errors"

	"github.com/derElektrobesen/cqlpool/cql"
)

// MaxKeyspaceNameLength is the longest keyspace name the database accepts.
const MaxKeyspaceNameLength = 48

// VerifiedKeyspaceName is a keyspace name known to be safe to put into a USE statement.
type VerifiedKeyspaceName struct {
	name          string
	caseSensitive bool
}

// NewVerifiedKeyspaceName checks the name: it must be non-empty, at most MaxKeyspaceNameLength
// characters long and consist of ASCII letters, digits and underscores.
// Errors match cql.ErrInvalidKeyspaceName.
func NewVerifiedKeyspaceName(name string, caseSensitive bool) (VerifiedKeyspaceName, error) {
	if name == "" {
		return VerifiedKeyspaceName{}, errors.Wrap(cql.ErrInvalidKeyspaceName, "empty name")
	}

	if len(name) > MaxKeyspaceNameLength {
		return VerifiedKeyspaceName{}, errors.Wrapf(cql.ErrInvalidKeyspaceName,
			"name %q is %d characters long, maximum is %d", name, len(name), MaxKeyspaceNameLength)
	}

	for i := 0; i < len(name); i++ {
		if !isKeyspaceChar(name[i]) {
			return VerifiedKeyspaceName{}, errors.Wrapf(cql.ErrInvalidKeyspaceName,
				"illegal character %q at position %d in %q", name[i], i, name)
		}
	}

	return VerifiedKeyspaceName{name: name, caseSensitive: caseSensitive}, nil
}

func isKeyspaceChar(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

func (k VerifiedKeyspaceName) Name() string {
	return k.name
}

func (k VerifiedKeyspaceName) IsCaseSensitive() bool {
	return k.caseSensitive
}

// useStatement returns the USE statement binding a connection to the keyspace.
func (k VerifiedKeyspaceName) useStatement() string {
	if k.caseSensitive {
		return `USE "` + k.name + `"`
	}
	return "USE " + k.name
}
