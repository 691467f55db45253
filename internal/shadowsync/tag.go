package shadowsync

import (
	"fmt"
	"strings"
)

// MutationTag states which code path owns the persistence of a mutation.
type MutationTag int

const (
	// TagShadowMirror marks a mutation the service is expected to mirror.
	TagShadowMirror MutationTag = iota
	// TagDirect marks a mutation already being saved through the repository.
	TagDirect
	// TagTracked marks a mutation whose write is owned by another tracked path.
	TagTracked
)

func (tag MutationTag) String() string {
	switch tag {
	case TagShadowMirror:
		return "shadow"
	case TagDirect:
		return "direct"
	case TagTracked:
		return "tracked"
	default:
		return fmt.Sprintf("tag(%d)", int(tag))
	}
}

// ParseMutationTag accepts the String form of a tag. Empty input is a shadow mirror.
func ParseMutationTag(raw string) (MutationTag, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "shadow":
		return TagShadowMirror, nil
	case "direct":
		return TagDirect, nil
	case "tracked":
		return TagTracked, nil
	default:
		return TagShadowMirror, fmt.Errorf("%w: %q", ErrUnknownTag, raw)
	}
}

// suppressesMirror reports whether a mirror write must be skipped for tag.
func suppressesMirror(tag MutationTag) bool {
	return tag == TagDirect || tag == TagTracked
}
