// Package docs registers the batchd OpenAPI document with swag. Regenerate
// with `swag init -g cmd/batchd/docs.go` after changing handler annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "license": {"name": "MIT", "url": "https://opensource.org/licenses/MIT"},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/generate": {
            "post": {
                "description": "Returns a cached output when a fresh one exists for (prompt, max_new_tokens); otherwise the request joins a batch.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["generate"],
                "summary": "Generate text",
                "parameters": [{
                    "description": "prompt and token budget",
                    "name": "request",
                    "in": "body",
                    "required": true,
                    "schema": {"$ref": "#/definitions/types.GenerateRequest"}
                }],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.GenerateResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "415": {"description": "Unsupported Media Type", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "502": {"description": "Bad Gateway", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "504": {"description": "Gateway Timeout", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["ops"],
                "summary": "Liveness",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.HealthResponse"}}}
            }
        },
        "/status": {
            "get": {
                "produces": ["application/json"],
                "tags": ["ops"],
                "summary": "Engine, cache and request counters",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}}
            }
        }
    },
    "definitions": {
        "types.GenerateRequest": {
            "type": "object",
            "properties": {
                "prompt": {"type": "string", "example": "Once upon a time"},
                "max_new_tokens": {"type": "integer", "example": 64}
            }
        },
        "types.GenerateResponse": {
            "type": "object",
            "properties": {
                "output": {"type": "string"},
                "cache_hit": {"type": "boolean"}
            }
        },
        "types.HealthResponse": {
            "type": "object",
            "properties": {"status": {"type": "string", "example": "ok"}}
        },
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string"},
                "code": {"type": "integer", "example": 400}
            }
        },
        "types.EngineStatus": {
            "type": "object",
            "properties": {
                "name": {"type": "string"},
                "backend": {"type": "string"},
                "queue_depth": {"type": "integer"},
                "workers": {"type": "integer"},
                "min_workers": {"type": "integer"},
                "max_workers": {"type": "integer"},
                "batches": {"type": "integer"}
            }
        },
        "types.CacheStatus": {
            "type": "object",
            "properties": {
                "size": {"type": "integer"},
                "hits": {"type": "integer"},
                "misses": {"type": "integer"},
                "ttl_seconds": {"type": "number"}
            }
        },
        "types.StatusResponse": {
            "type": "object",
            "properties": {
                "engines": {"type": "array", "items": {"$ref": "#/definitions/types.EngineStatus"}},
                "cache": {"$ref": "#/definitions/types.CacheStatus"},
                "requests_total": {"type": "integer"},
                "failures_total": {"type": "integer"},
                "uptime_seconds": {"type": "integer"},
                "server_time_unix": {"type": "integer"},
                "shutting_down": {"type": "boolean"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "batchd API",
	Description:      "Dynamic-batching text generation service with a TTL result cache.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
