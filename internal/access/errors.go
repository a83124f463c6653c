package access

import "errors"

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("access: not found")
	// ErrInvalidAction is returned when an action is not one of create/read/update/delete.
	ErrInvalidAction = errors.New("access: invalid action")
	// ErrValidation wraps rejected admin input.
	ErrValidation = errors.New("access: validation failed")
	// ErrSystemRole is returned when a mutation would delete or strip a system role.
	ErrSystemRole = errors.New("access: system role is protected")
	// ErrRoleInUse is returned when deleting a role that is still assigned.
	ErrRoleInUse = errors.New("access: role still assigned")
	// ErrDuplicate indicates a unique constraint violation.
	ErrDuplicate = errors.New("access: duplicate entry")
)
