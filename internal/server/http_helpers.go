package server

import (
	"errors"
	"net/http"

	"github.com/clowdr-app/clowdr-sub007/internal/api"
)

// writeMiddlewareError normalises middleware error responses to the API JSON shape.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	api.WriteError(w, status, errors.New(message))
}
