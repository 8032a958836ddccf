package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrProtectedRouteMustHavePath   = errors.New("config.ProtectedRoute: path must start with /")
	ErrProtectedRouteMustHaveAction = errors.New("config.ProtectedRoute: must set action")
	ErrProtectedRouteBadMethod      = errors.New("config.ProtectedRoute: method is not a state-changing HTTP method")
)

// ProtectedRoute is an upstream route that needs a capability token for the
// named action before the request is forwarded.
type ProtectedRoute struct {
	Method string `json:"method" yaml:"method"`
	Path   string `json:"path" yaml:"path"`
	Action string `json:"action" yaml:"action"`
}

// Pattern renders the route as a net/http ServeMux pattern.
func (pr ProtectedRoute) Pattern() string {
	return pr.Method + " " + pr.Path
}

func (pr ProtectedRoute) Valid() error {
	var errs []error

	switch pr.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrProtectedRouteBadMethod, pr.Method))
	}

	if !strings.HasPrefix(pr.Path, "/") {
		errs = append(errs, fmt.Errorf("%w: %q", ErrProtectedRouteMustHavePath, pr.Path))
	}

	if pr.Action == "" {
		errs = append(errs, ErrProtectedRouteMustHaveAction)
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}

	return nil
}
