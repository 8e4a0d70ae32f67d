// Package kernel holds the types shared by every kernel subsystem.
package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// pointers to Error so callers can compare them by identity and so that
// returning one never allocates.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error message prefixed by the module that raised it.
func (e *Error) String() string {
	return "[" + e.Module + "] " + e.Message
}
