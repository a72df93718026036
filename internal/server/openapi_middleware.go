package server

import (
	_ "embed"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	legacyrouter "github.com/getkin/kin-openapi/routers/legacy"
	"github.com/gin-gonic/gin"

	"dockpit/internal/api"
)

//go:embed openapi.yaml
var openAPISpec []byte

// openAPIValidator validates /api/v1 requests against the embedded OpenAPI doc.
type openAPIValidator struct {
	router routers.Router
}

func loadOpenAPIDoc() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false
	doc, err := loader.LoadFromData(openAPISpec)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, err
	}
	return doc, nil
}

func newOpenAPIValidator() (*openAPIValidator, error) {
	doc, err := loadOpenAPIDoc()
	if err != nil {
		return nil, err
	}
	r, err := legacyrouter.NewRouter(doc)
	if err != nil {
		return nil, err
	}
	return &openAPIValidator{router: r}, nil
}

// Middleware rejects requests that are not in the API doc or whose path
// parameters or bodies do not match it.
func (v *openAPIValidator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route, pathParams, err := v.router.FindRoute(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, api.ErrorResponse{Error: "unknown API route", Detail: err.Error()})
			return
		}
		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, api.ErrorResponse{Error: "request failed validation", Detail: err.Error()})
			return
		}
		c.Next()
	}
}
