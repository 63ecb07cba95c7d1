package api

import (
	_ "embed"
	"net/http"

	log "github.com/sirupsen/logrus"
)

//go:embed openapi.yaml
var openAPISpec []byte

// OpenAPIPath is where the API description is served. The Swagger UI loads it from here.
const OpenAPIPath = "/api/openapi.yaml"

func handleOpenAPISpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(openAPISpec); err != nil {
		log.WithError(err).Debug("failed to write OpenAPI spec")
	}
}
