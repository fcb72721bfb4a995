// Package docs holds the OpenAPI document served at /swagger/*any.
// Regenerate with: swag init -g internal/http/router.go -o docs
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
    "paths": {
        "/stories": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Stories"],
                "summary": "List playable stories",
                "operationId": "listStories",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListStoriesResponse"}},
                    "401": {"description": "Unauthenticated", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/sessions": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Sessions"],
                "summary": "List the caller's sessions",
                "operationId": "listSessions",
                "parameters": [
                    {"enum": ["active", "completed", "all"], "type": "string", "default": "all", "name": "status", "in": "query"},
                    {"minimum": 1, "type": "integer", "default": 1, "name": "page", "in": "query"},
                    {"maximum": 100, "minimum": 1, "type": "integer", "default": 20, "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListSessionsResponse"}},
                    "304": {"description": "Not Modified"},
                    "401": {"description": "Unauthenticated", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Sessions"],
                "summary": "Start or resume a story session",
                "operationId": "startSession",
                "parameters": [
                    {"description": "Story and character", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.StartSessionRequest"}}
                ],
                "responses": {
                    "200": {"description": "Resumed", "schema": {"$ref": "#/definitions/handlers.StartSessionResponse"}},
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/handlers.StartSessionResponse"}},
                    "402": {"description": "Insufficient funds", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Story or wallet not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/sessions/{id}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Sessions"],
                "summary": "Get one session",
                "operationId": "getSession",
                "parameters": [{"type": "string", "format": "uuid", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK"},
                    "404": {"description": "Session not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/sessions/{id}/turns": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Sessions"],
                "summary": "Page through a session's turn log",
                "operationId": "listTurns",
                "parameters": [
                    {"type": "string", "format": "uuid", "name": "id", "in": "path", "required": true},
                    {"minimum": 1, "type": "integer", "default": 1, "name": "page", "in": "query"},
                    {"maximum": 100, "minimum": 1, "type": "integer", "default": 20, "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListTurnsResponse"}},
                    "304": {"description": "Not Modified"}
                }
            },
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Sessions"],
                "summary": "Play a turn",
                "operationId": "postTurn",
                "parameters": [
                    {"type": "string", "name": "Idempotency-Key", "in": "header"},
                    {"type": "string", "format": "uuid", "name": "id", "in": "path", "required": true},
                    {"description": "Move", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.PostTurnRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.PostTurnResponse"}},
                    "402": {"description": "Insufficient funds", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Completed, stale chapter or same Idempotency-Key in flight", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/sessions/{id}/complete": {
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Sessions"],
                "summary": "Complete a session",
                "operationId": "completeSession",
                "parameters": [
                    {"type": "string", "format": "uuid", "name": "id", "in": "path", "required": true},
                    {"description": "Rating", "name": "body", "in": "body", "schema": {"$ref": "#/definitions/handlers.CompleteSessionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.CompleteSessionResponse"}}
                }
            }
        },
        "/wallet": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Wallet"],
                "summary": "Current credit balance",
                "operationId": "getWallet",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.WalletResponse"}}
                }
            }
        },
        "/wallet/ledger": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Wallet"],
                "summary": "Page through the caller's ledger",
                "operationId": "listLedger",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListLedgerResponse"}}
                }
            }
        },
        "/wallet/ledger.xlsx": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"],
                "tags": ["Wallet"],
                "summary": "Download the caller's ledger as a spreadsheet",
                "operationId": "exportLedger",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "file"}}
                }
            }
        }
    },
    "definitions": {
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string"},
                "code": {"type": "string", "example": "session_not_found"},
                "message": {"type": "string"},
                "details": {"type": "object"}
            }
        },
        "handlers.Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total": {"type": "integer"},
                "total_pages": {"type": "integer"},
                "has_next": {"type": "boolean"}
            }
        },
        "handlers.StartSessionRequest": {
            "type": "object",
            "required": ["story_slug", "character_id"],
            "properties": {
                "story_slug": {"type": "string", "example": "the-lantern"},
                "character_id": {"type": "string", "example": "keeper"},
                "role_ids": {"type": "array", "items": {"type": "string"}}
            }
        },
        "handlers.StartSessionResponse": {
            "type": "object",
            "properties": {
                "session": {"type": "object"},
                "story": {"type": "object"},
                "balance": {"type": "integer"},
                "resumed": {"type": "boolean"},
                "charged": {"type": "boolean"}
            }
        },
        "handlers.ListStoriesResponse": {
            "type": "object",
            "properties": {"stories": {"type": "array", "items": {"type": "object"}}}
        },
        "handlers.ListSessionsResponse": {
            "type": "object",
            "properties": {
                "sessions": {"type": "array", "items": {"type": "object"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        },
        "handlers.ListTurnsResponse": {
            "type": "object",
            "properties": {
                "turns": {"type": "array", "items": {"type": "object"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        },
        "handlers.PostTurnRequest": {
            "type": "object",
            "properties": {
                "chosen": {"type": "string"},
                "free_text": {"type": "string"},
                "advance_chapter": {"type": "boolean"},
                "from_chapter": {"type": "integer"}
            }
        },
        "handlers.PostTurnResponse": {
            "type": "object",
            "properties": {
                "session": {"type": "object"},
                "turns": {"type": "array", "items": {"type": "object"}},
                "choices": {"type": "array", "items": {"type": "string"}},
                "balance": {"type": "integer"},
                "charged": {"type": "boolean"},
                "replayed": {"type": "boolean"},
                "narrative_error": {"type": "string"}
            }
        },
        "handlers.CompleteSessionRequest": {
            "type": "object",
            "properties": {
                "stars": {"type": "integer", "example": 5},
                "text": {"type": "string"}
            }
        },
        "handlers.CompleteSessionResponse": {
            "type": "object",
            "properties": {
                "session": {"type": "object"},
                "already_completed": {"type": "boolean"}
            }
        },
        "handlers.WalletResponse": {
            "type": "object",
            "properties": {
                "user_id": {"type": "string"},
                "balance": {"type": "integer"}
            }
        },
        "handlers.ListLedgerResponse": {
            "type": "object",
            "properties": {
                "entries": {"type": "array", "items": {"type": "object"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Plaible API",
	Description:      "Interactive story sessions with per-chapter credit charging.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
