package domain

import "errors"

// ErrNotFound is returned (wrapped) by repositories when no document matches.
var ErrNotFound = errors.New("not found")
