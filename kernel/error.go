package kernel

// Error describes an error reported by one of the kernel memory management
// packages. Errors are declared once as package-level pointers and compared
// by identity; callers must never construct an Error to compare against.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Module == "" {
		return e.Message
	}

	return e.Module + ": " + e.Message
}
