package testutil

import (
	"net/http"
	"time"

	id "impactledger/pkg/domain"
	"impactledger/pkg/requestcontext"
)

// WithCaller sets the authenticated caller on the request, as the auth
// middleware would. The null identity leaves the request anonymous.
func WithCaller(req *http.Request, caller id.Identity) *http.Request {
	if caller.IsNil() {
		return req
	}
	return req.WithContext(requestcontext.WithCaller(req.Context(), caller))
}

// WithRequestID sets the request id on the request context.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), requestID))
}

// WithRequestTime pins the request-scoped clock.
func WithRequestTime(req *http.Request, now time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), now))
}
