package protocol

// ErrorCategory classifies generation failures so the UI can render an
// appropriate inline state. All categories are terminal for the affected
// message; recoverability applies only to transport-level drops.
type ErrorCategory string

const (
	CategoryContentFilter ErrorCategory = "content_filter"
	CategoryRateLimit     ErrorCategory = "rate_limit"
	CategoryProviderError ErrorCategory = "provider_error"
	CategoryInternalError ErrorCategory = "internal_error"
	CategoryTimeout       ErrorCategory = "timeout"

	// CategoryNetwork is assigned client-side when a transport drop exhausts
	// its retry budget; it never arrives on the wire.
	CategoryNetwork ErrorCategory = "network"
)

// Known reports whether the category is one the backend emits.
func (c ErrorCategory) Known() bool {
	switch c {
	case CategoryContentFilter, CategoryRateLimit, CategoryProviderError,
		CategoryInternalError, CategoryTimeout, CategoryNetwork:
		return true
	}
	return false
}
