// Package api embeds the OpenAPI description of the session control
// surface so the server can hand it out at /openapi.yaml.
package api

import _ "embed"

// OpenAPISpec is the raw OpenAPI 3.1 document.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
