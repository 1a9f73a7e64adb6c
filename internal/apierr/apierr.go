// Package apierr centralises the mapping from core sentinel errors to
// HTTP responses, rather than leaving each handler to pick status codes
// ad hoc.
package apierr

import (
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/wavecast/fhserve/internal/fhcache"
)

// RedirectHint is carried on a 403 response for mounts at capacity, so a
// caller can offer the client an alternate mount.
type RedirectHint struct {
	Mount string `json:"redirect_mount,omitempty"`
}

// FromCache maps a fhcache error to the huma error the admission/serving
// path should return, following §7's error kinds: not-found, forbidden,
// range, format-mismatch.
func FromCache(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fhcache.ErrNotFound):
		return huma.Error404NotFound("content not found", err)
	case errors.Is(err, fhcache.ErrRangeNotSatisfiable):
		return huma.NewError(http.StatusRequestedRangeNotSatisfiable, "range not satisfiable", err)
	case errors.Is(err, fhcache.ErrZeroLimitFallback):
		return huma.Error400BadRequest("fallback mount has no configured bitrate limit", err)
	case errors.Is(err, fhcache.ErrFormatMismatch):
		return huma.Error409Conflict("existing fallback handle has a different format", err)
	case errors.Is(err, fhcache.ErrMissingFlag):
		return huma.Error404NotFound("content previously failed to open", err)
	case errors.Is(err, fhcache.ErrForbiddenCapacity):
		return huma.Error403Forbidden("mount at listener capacity", err)
	case errors.Is(err, fhcache.ErrForbiddenDuplicateLogin):
		return huma.Error403Forbidden("account already in use", err)
	default:
		return huma.Error500InternalServerError("internal error", err)
	}
}

// StatusForCache is the plain net/http status a non-huma handler (the
// streaming routes, which write headers directly rather than through
// huma) should use for the same error taxonomy.
func StatusForCache(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, fhcache.ErrNotFound), errors.Is(err, fhcache.ErrMissingFlag):
		return http.StatusNotFound
	case errors.Is(err, fhcache.ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, fhcache.ErrZeroLimitFallback):
		return http.StatusBadRequest
	case errors.Is(err, fhcache.ErrFormatMismatch):
		return http.StatusConflict
	case errors.Is(err, fhcache.ErrForbiddenCapacity), errors.Is(err, fhcache.ErrForbiddenDuplicateLogin):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// IsForbiddenCapacity reports whether err is the capacity-forbidden case,
// which callers surface with a redirect hint rather than a plain 403.
func IsForbiddenCapacity(err error) bool {
	return errors.Is(err, fhcache.ErrForbiddenCapacity)
}
