package librarian

import "errors"

// AuthError indicates the library provider rejected the credential or no
// usable credential exists. The store maps it to the hard auth-error flag;
// it is never retried here.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// RemoteError wraps any other non-success response or transport failure
// from the library provider. Status is 0 when no HTTP response was seen.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
