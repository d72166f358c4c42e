// Package api holds the OpenAPI document of the trapwatch status API,
// served at GET /openapi.yaml.
package api

import _ "embed"

// OpenAPISpec is the OpenAPI 3.1 YAML document.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
