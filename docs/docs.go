// Package docs holds the OpenAPI description served at /swagger.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "Bearer": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    },
    "security": [{"Bearer": []}],
    "paths": {
        "/healthz": {
            "get": {
                "tags": ["health"],
                "summary": "Liveness probe",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/readyz": {
            "get": {
                "tags": ["health"],
                "summary": "Readiness probe, reports the trading halt",
                "responses": {
                    "200": {"description": "ready"},
                    "503": {"description": "trace store unreachable"}
                }
            }
        },
        "/api/v1/cycles": {
            "get": {
                "tags": ["cycles"],
                "summary": "List recorded cycle traces, newest first",
                "parameters": [
                    {"type": "string", "name": "symbol", "in": "query"},
                    {"type": "string", "name": "outcome", "in": "query"},
                    {"type": "string", "name": "since", "in": "query", "description": "RFC3339 time or a duration such as 2h"},
                    {"type": "integer", "name": "limit", "in": "query"},
                    {"type": "integer", "name": "offset", "in": "query"}
                ],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/api/v1/cycles/latest": {
            "get": {
                "tags": ["cycles"],
                "summary": "Most recent trace for a symbol",
                "parameters": [
                    {"type": "string", "name": "symbol", "in": "query", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/CycleTrace"}},
                    "404": {"description": "no cycle recorded"}
                }
            }
        },
        "/api/v1/cycles/stream": {
            "get": {
                "tags": ["cycles"],
                "summary": "Websocket feed of finished cycle traces",
                "parameters": [
                    {"type": "string", "name": "symbol", "in": "query"},
                    {"type": "string", "name": "access_token", "in": "query"}
                ],
                "responses": {"101": {"description": "Switching Protocols"}}
            }
        },
        "/api/v1/cycles/{id}": {
            "get": {
                "tags": ["cycles"],
                "summary": "One cycle trace by id",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/CycleTrace"}},
                    "404": {"description": "not found"}
                }
            }
        },
        "/api/v1/orders": {
            "get": {
                "tags": ["orders"],
                "summary": "Order ledger",
                "parameters": [
                    {"type": "string", "name": "symbol", "in": "query"},
                    {"type": "string", "name": "status", "in": "query"},
                    {"type": "string", "name": "strategy", "in": "query"},
                    {"type": "string", "name": "since", "in": "query"},
                    {"type": "boolean", "name": "asc", "in": "query"},
                    {"type": "integer", "name": "limit", "in": "query"},
                    {"type": "integer", "name": "offset", "in": "query"}
                ],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/api/v1/breakers": {
            "get": {
                "tags": ["breakers"],
                "summary": "Current state of every circuit breaker",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/CircuitBreakerState"}}}
                }
            }
        },
        "/api/v1/breakers/events": {
            "get": {
                "tags": ["breakers"],
                "summary": "Breaker transition history",
                "parameters": [
                    {"type": "string", "name": "breaker", "in": "query"},
                    {"type": "string", "name": "since", "in": "query"},
                    {"type": "integer", "name": "limit", "in": "query"},
                    {"type": "integer", "name": "offset", "in": "query"}
                ],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/api/v1/breakers/{name}/reset": {
            "post": {
                "tags": ["breakers"],
                "summary": "Close a breaker; trading_halted resumes the pipeline",
                "parameters": [
                    {"type": "string", "name": "name", "in": "path", "required": true},
                    {"name": "body", "in": "body", "schema": {"type": "object", "properties": {"reason": {"type": "string"}}}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/CircuitBreakerState"}},
                    "404": {"description": "unknown breaker"}
                }
            }
        }
    },
    "definitions": {
        "CircuitBreakerState": {
            "type": "object",
            "properties": {
                "name": {"type": "string"},
                "state": {"type": "string", "enum": ["CLOSED", "OPEN", "HALF_OPEN"]},
                "consecutive_failures": {"type": "integer"},
                "open_count": {"type": "integer"},
                "last_opened_at": {"type": "string", "format": "date-time"},
                "next_retry_at": {"type": "string", "format": "date-time"},
                "manual_reset": {"type": "boolean"}
            }
        },
        "CycleTrace": {
            "type": "object",
            "properties": {
                "cycle_id": {"type": "string"},
                "symbol": {"type": "string"},
                "timeframe": {"type": "string"},
                "started_at": {"type": "string", "format": "date-time"},
                "ended_at": {"type": "string", "format": "date-time"},
                "outcome": {"type": "string"},
                "proposer": {"type": "string"},
                "patterns": {"type": "array", "items": {"type": "string"}},
                "selection": {"type": "object"},
                "signal": {"type": "object"},
                "execution": {"type": "object"},
                "errors": {"type": "array", "items": {"type": "object"}}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "0.1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "Trade Pipeline API",
	Description:      "Cycle traces, order ledger and circuit breaker controls.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
