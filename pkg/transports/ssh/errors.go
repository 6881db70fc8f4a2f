package ssh

// TransportError is an error from the SSH layer.
type TransportError struct {
	// Op is the operation that failed (connect, exec, sftp).
	Op string

	Err error

	// IsTemporary reports whether retrying may help.
	IsTemporary bool

	// IsAuthError reports an authentication failure.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying may help.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
