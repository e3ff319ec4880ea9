package lsm

import (
	"github.com/cockroachdb/errors"
)

// Error kinds. Concrete errors are wrapped with context and marked with one
// of these, so callers match with errors.Is.
var (
	ErrIO              = errors.New("lsm: io error")
	ErrFormat          = errors.New("lsm: corrupted data")
	ErrTaintedIterator = errors.New("lsm: iterator is tainted")
	ErrInvalidArgument = errors.New("lsm: invalid argument")
	ErrClosed          = errors.New("lsm: db is closed")
)

func ioErrorf(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrIO)
}

func formatErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrFormat)
}

func invalidArgumentf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidArgument)
}

// invalidAccess is raised when a key or value is read from an iterator that
// does not address an entry. It is a programming error, not a runtime one.
func invalidAccess(what string) {
	panic(errors.AssertionFailedf("invalid access to %s", errors.Safe(what)))
}
