package osd

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrFatal marks errors the node cannot continue from, such as an
	// unreadable persisted map or a failed map transaction.
	ErrFatal = errors.New("osd: fatal error")
	// ErrDestroyed marks the map saying this node is destroyed. The node must
	// not rejoin on its own.
	ErrDestroyed = errors.New("osd: destroyed")
	// ErrStopping is returned by operations started while the node stops.
	ErrStopping = errors.New("osd: stopping")
)

func fatal(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrFatal)
}

// IsFatal reports whether err must abort the node.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// IsDestroyed reports whether err is the destroyed signal.
func IsDestroyed(err error) bool {
	return errors.Is(err, ErrDestroyed)
}
