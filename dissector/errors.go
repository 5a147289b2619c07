package dissector

import "errors"

var (
	ErrDuplicateName    = errors.New("dissector: duplicate name")
	ErrUnknownDependency = errors.New("dissector: unknown dependency")
	ErrDependencyCycle   = errors.New("dissector: dependency cycle")
)
