// Package errkind defines the closed error taxonomy shared across the
// runtime: every error surfaced to a frontend carries one of these kinds so
// callers can branch on `errors.Is` rather than string-matching messages.
package errkind

import "errors"

// Kind is a sentinel error identifying a class of failure. Wrap it with
// fmt.Errorf("...: %w", kind) to preserve the kind through errors.Is while
// attaching detail.
type Kind struct {
	name string
}

func (k *Kind) Error() string { return k.name }

var (
	Validation            = &Kind{"validation"}
	PermissionDenied       = &Kind{"permission_denied"}
	ConcurrentModification = &Kind{"concurrent_modification"}
	ExecutionFailed        = &Kind{"execution_failed"}
	Timeout                = &Kind{"timeout"}
	Cancelled              = &Kind{"cancelled"}
	ProviderError          = &Kind{"provider_error"}
	NotReady               = &Kind{"not_ready"}
	Internal               = &Kind{"internal"}
)

// Of returns the Kind wrapped in err, or Internal if none is present.
func Of(err error) *Kind {
	for _, k := range []*Kind{
		Validation, PermissionDenied, ConcurrentModification, ExecutionFailed,
		Timeout, Cancelled, ProviderError, NotReady, Internal,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return Internal
}

// String returns the wire-facing name of the kind (e.g. "permission_denied").
func (k *Kind) String() string { return k.name }
