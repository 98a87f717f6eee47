package transport

import "github.com/juju/errors"

// Sentinel causes, compare with errors.Cause(err).
// BadParameter, NotFound, AlreadyExists and NotSupported use juju typed errors
// (errors.IsNotValid, IsNotFound, IsAlreadyExists, IsNotSupported).
var (
	ErrInsufficientBuffer = errors.New("insufficient buffer")
	ErrBadState           = errors.New("bad state")
	ErrParser             = errors.New("parser error")
	ErrSocket             = errors.New("socket error")
)

func IsInsufficientBuffer(err error) bool { return errors.Cause(err) == ErrInsufficientBuffer }
func IsBadState(err error) bool           { return errors.Cause(err) == ErrBadState }
func IsParser(err error) bool             { return errors.Cause(err) == ErrParser }
func IsSocket(err error) bool             { return errors.Cause(err) == ErrSocket }
