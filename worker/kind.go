package worker

import "fmt"

// Kind tags a worker as a service-lifetime main worker or a per-resource one.
type Kind string

const (
	KindMain Kind = "main"
	KindSync Kind = "sync"
)

// Kinds lists every known kind.
func Kinds() []Kind { return []Kind{KindMain, KindSync} }

// UnknownKindError rejects a kind outside the closed set.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string { return fmt.Sprintf("worker: unknown kind %q", e.Kind) }

// ParseKind validates s against the closed set of kinds.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindMain, KindSync:
		return Kind(s), nil
	default:
		return "", &UnknownKindError{Kind: s}
	}
}

func (k Kind) String() string { return string(k) }
