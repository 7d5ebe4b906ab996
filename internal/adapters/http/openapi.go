package httpadapter

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
)

//go:embed openapi.yaml
var openAPISpec []byte

const maxRequestBodyBytes = 1 << 20

type requestValidator struct {
	router routers.Router
}

func newRequestValidator() (*requestValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openAPISpec)
	if err != nil {
		return nil, fmt.Errorf("load openapi spec: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("validate openapi spec: %w", err)
	}
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build openapi router: %w", err)
	}
	return &requestValidator{router: router}, nil
}

// middleware rejects requests that do not match the documented contract.
// Paths the document does not describe fall through to the mux.
func (v *requestValidator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, pathParams, err := v.router.FindRoute(r)
		switch {
		case isRouteError(err, routers.ErrPathNotFound):
			next.ServeHTTP(w, r)
			return
		case isRouteError(err, routers.ErrMethodNotAllowed):
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		case err != nil:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
		}
		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":      validationMessage(err),
				"kind":       "invalid_input",
				"request_id": requestIDFromContext(r.Context()),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isRouteError compares by reason since routers build fresh RouteError values.
func isRouteError(err, target error) bool {
	var routeErr, want *routers.RouteError
	if !errors.As(err, &routeErr) || !errors.As(target, &want) {
		return false
	}
	return routeErr.Reason == want.Reason
}

func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Err != nil {
			return fmt.Sprintf("%s: %v", reqErr.Reason, reqErr.Err)
		}
		return reqErr.Error()
	}
	return err.Error()
}
