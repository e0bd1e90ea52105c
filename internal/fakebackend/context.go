package fakebackend

import (
	"context"
	"net/http"
)

func contextWithUserID(r *http.Request, userID string) context.Context {
	return context.WithValue(r.Context(), userIDKey{}, userID)
}
