package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Scope is the partition axis of a container.
type Scope string

const (
	ScopeUser    Scope = "user"
	ScopeProject Scope = "project"
)

// Scopes lists every valid scope in a stable order.
var Scopes = []Scope{ScopeUser, ScopeProject}

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeUser || s == ScopeProject
}

// Dir is the subdirectory holding this scope's shard files.
func (s Scope) Dir() string {
	return string(s) + "s"
}

// ParseScope converts a string to a Scope.
func ParseScope(s string) (Scope, error) {
	sc := Scope(strings.ToLower(strings.TrimSpace(s)))
	if !sc.Valid() {
		return "", fmt.Errorf("unknown scope %q (want user or project)", s)
	}
	return sc, nil
}

// scopeHashLen is the number of hex characters kept from the identity digest.
const scopeHashLen = 16

// ScopeHash derives the fixed-length hex hash of a stable identity string
// such as an email address or a repository path.
func ScopeHash(identity string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(identity)))
	return hex.EncodeToString(sum[:])[:scopeHashLen]
}

// ContainerTag formats {prefix}_{scope}_{hash}.
func ContainerTag(prefix string, scope Scope, hash string) string {
	return prefix + "_" + string(scope) + "_" + hash
}

// Container is a parsed container tag.
type Container struct {
	Prefix string
	Scope  Scope
	Hash   string
}

func (c Container) String() string {
	return ContainerTag(c.Prefix, c.Scope, c.Hash)
}

// ParseContainerTag splits a container tag. The prefix may itself contain
// underscores; scope and hash are taken from the right.
func ParseContainerTag(tag string) (Container, error) {
	i := strings.LastIndexByte(tag, '_')
	if i <= 0 || i == len(tag)-1 {
		return Container{}, fmt.Errorf("%w: %q", ErrInvalidContainerTag, tag)
	}
	hash := tag[i+1:]
	rest := tag[:i]
	j := strings.LastIndexByte(rest, '_')
	if j <= 0 {
		return Container{}, fmt.Errorf("%w: %q", ErrInvalidContainerTag, tag)
	}
	scope := Scope(rest[j+1:])
	if !scope.Valid() {
		return Container{}, fmt.Errorf("%w: %q has scope %q", ErrInvalidContainerTag, tag, scope)
	}
	if !isHex(hash) {
		return Container{}, fmt.Errorf("%w: %q has non-hex hash", ErrInvalidContainerTag, tag)
	}
	return Container{Prefix: rest[:j], Scope: scope, Hash: hash}, nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return s != ""
}
