package policy

import "fmt"

// InvalidPolicyError reports a mismatch between the policy table and the
// code using it. It is a programming error, never a caller error.
type InvalidPolicyError struct {
	Endpoint string
	Reason   string
}

// Error implements the error interface.
func (e *InvalidPolicyError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("invalid policy: %s", e.Reason)
	}
	return fmt.Sprintf("invalid policy for %q: %s", e.Endpoint, e.Reason)
}
