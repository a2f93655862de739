package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Billing API",
        "description": "Session and token management for the billing application",
        "version": "0.1.0"
    },
    "basePath": "/",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Login", "description": "Session lifecycle"}
    ],
    "paths": {
        "/health": {
            "get": {
                "summary": "Health check",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/ready": {
            "get": {
                "summary": "Readiness check",
                "responses": {
                    "200": {"description": "Ready"},
                    "503": {"description": "Degraded"}
                }
            }
        },
        "/api/Login/login": {
            "post": {
                "tags": ["Login"],
                "summary": "Authenticate user",
                "parameters": [
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "type": "object",
                            "required": ["userName", "password"],
                            "properties": {
                                "userName": {"type": "string"},
                                "password": {"type": "string"}
                            }
                        }
                    }
                ],
                "responses": {
                    "200": {"description": "Session with access and refresh tokens"},
                    "400": {"description": "Malformed input"},
                    "401": {"description": "Invalid credentials"}
                }
            }
        },
        "/api/Login/refresh": {
            "post": {
                "tags": ["Login"],
                "summary": "Rotate refresh token",
                "parameters": [
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "type": "object",
                            "required": ["refreshToken"],
                            "properties": {
                                "refreshToken": {"type": "string"}
                            }
                        }
                    }
                ],
                "responses": {
                    "200": {"description": "New session with rotated tokens"},
                    "401": {"description": "Invalid, expired, or revoked token"}
                }
            }
        },
        "/api/Login/logout": {
            "post": {
                "tags": ["Login"],
                "summary": "Revoke refresh token",
                "parameters": [
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "type": "object",
                            "required": ["refreshToken"],
                            "properties": {
                                "refreshToken": {"type": "string"}
                            }
                        }
                    }
                ],
                "responses": {
                    "200": {"description": "Token revoked"},
                    "401": {"description": "Token was never valid"}
                }
            }
        },
        "/api/Login/me": {
            "get": {
                "tags": ["Login"],
                "summary": "Current user summary",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "Authenticated user info"},
                    "401": {"description": "Missing or invalid bearer token"}
                }
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

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
