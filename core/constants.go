package core

import "errors"

// HeaderAllow lists the methods a path accepts on a 405 response.
const HeaderAllow = "Allow"

// Error definitions
var (
	ErrInvalidRoute = errors.New("invalid route")
	ErrStartup      = errors.New("startup hook failed")
)
