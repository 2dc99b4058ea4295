package auth

import (
	"net/http"
	"strings"

	s3err "github.com/bleepstoreio/bleepstore/internal/errors"
	"github.com/bleepstoreio/bleepstore/internal/xmlutil"
)

// skipPaths is the set of paths that do not require authentication.
var skipPaths = map[string]bool{
	"/health":       true,
	"/healthz":      true,
	"/readyz":       true,
	"/metrics":      true,
	"/docs":         true,
	"/docs/":        true,
	"/openapi":      true,
	"/openapi.json": true,
}

var errAmbiguousAuth = &s3err.S3Error{
	Code:       "InvalidArgument",
	Message:    "Only one auth mechanism allowed; found both Authorization header and query string parameters",
	HTTPStatus: 400,
}

// Middleware returns HTTP middleware that enforces AWS SigV4 authentication
// on all requests except those to excluded paths (/health, /metrics, /docs, /openapi.json).
// On success, the authenticated owner identity is set on the request context.
func Middleware(verifier *SigV4Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isUnauthenticatedPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authed, ok := authenticate(verifier, w, r)
			if !ok {
				return
			}
			next.ServeHTTP(w, authed)
		})
	}
}

func isUnauthenticatedPath(path string) bool {
	return skipPaths[path] || strings.HasPrefix(path, "/docs")
}

// authenticate verifies r by whichever SigV4 mechanism it carries and
// returns a request with the owner identity attached to its context. The
// bool result reports whether the caller should continue; on false, the
// error response has already been written.
func authenticate(verifier *SigV4Verifier, w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	switch DetectAuthMethod(r) {
	case "none":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
		return nil, false

	case "ambiguous":
		xmlutil.WriteErrorResponse(w, r, errAmbiguousAuth)
		return nil, false

	case "presigned":
		cred, err := verifier.VerifyPresigned(r)
		if err != nil {
			writeAuthError(w, r, err)
			return nil, false
		}
		return r.WithContext(contextWithOwner(r.Context(), cred.OwnerID, cred.DisplayName)), true

	default: // "header"
		cred, err := verifier.VerifyRequest(r)
		if err != nil {
			writeAuthError(w, r, err)
			return nil, false
		}
		return r.WithContext(contextWithOwner(r.Context(), cred.OwnerID, cred.DisplayName)), true
	}
}

// writeAuthError maps an AuthError to the appropriate S3 error XML response.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	authErr, ok := err.(*AuthError)
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	switch authErr.Code {
	case "InvalidAccessKeyId":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidAccessKeyId)
	case "SignatureDoesNotMatch":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrSignatureDoesNotMatch)
	case "RequestTimeTooSkewed":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrRequestTimeTooSkewed)
	case "AccessDenied":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
	}
}
