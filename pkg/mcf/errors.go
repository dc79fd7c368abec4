package mcf

import "errors"

var (
	ErrInvalidMagic       = errors.New("mcf: invalid magic")
	ErrUnsupportedMajor   = errors.New("mcf: unsupported major version")
	ErrUnsupportedVersion = errors.New("mcf: unsupported section version")
	ErrCorruptFile        = errors.New("mcf: corrupt file")
	ErrTensorNotFound     = errors.New("mcf: tensor not found")
)
