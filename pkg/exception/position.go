package exception

import "github.com/yanun0323/errors"

// Position errors
var (
	ErrPositionInvalidSide  = errors.New("position: invalid side")
	ErrPositionInvalidPrice = errors.New("position: invalid entry price")
	ErrPositionInvalidSize  = errors.New("position: invalid size")
	ErrPositionEmptyCoin    = errors.New("position: empty coin")
)
