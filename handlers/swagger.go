package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterSwagger registers minimal Swagger/OpenAPI endpoints for the instrument service.
// - GET /swagger/index.html  -> a small HTML page that loads the OpenAPI JSON
// - GET /swagger/doc.json    -> machine-readable OpenAPI JSON
func RegisterSwagger(rg gin.IRouter) {
	rg.GET("/swagger/index.html", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(swaggerHTML))
	})

	rg.GET("/swagger/doc.json", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json", []byte(swaggerJSON))
	})
}

const swaggerHTML = `<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>obeci-instruments — Swagger</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@4/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@4/swagger-ui-bundle.js"></script>
    <script>
      window.ui = SwaggerUIBundle({
        url: '/swagger/doc.json',
        dom_id: '#swagger-ui',
      })
    </script>
  </body>
</html>`

const swaggerJSON = `{
  "openapi": "3.0.0",
  "info": { "title": "obeci-instruments", "version": "v1.0.0" },
  "components": {
    "securitySchemes": { "bearer": { "type": "http", "scheme": "bearer" } },
    "schemas": {
      "Instrument": { "type": "object", "properties": { "documentId": {"type":"string"}, "ownerId": {"type":"integer"}, "snapshot": {}, "version": {"type":"integer"} } },
      "ChangeLogEntry": { "type": "object", "properties": { "id": {"type":"string"}, "documentId": {"type":"string"}, "ownerId": {"type":"integer"}, "actor": {"type":"string"}, "eventType": {"type":"string"}, "summary": {"type":"string"}, "payload": {"type":"string"}, "createdAt": {"type":"string","format":"date-time"} } }
    }
  },
  "security": [ { "bearer": [] } ],
  "paths": {
    "/api/instruments/class/{ownerId}": {
      "parameters": [ { "name": "ownerId", "in": "path", "required": true, "schema": {"type":"integer"} } ],
      "get": { "summary": "Load the class instrument", "responses": { "200": { "description": "instrument", "content": {"application/json": {"schema": {"$ref":"#/components/schemas/Instrument"}}} }, "403": { "description": "not an editor" }, "404": { "description": "class not found" } } },
      "put": { "summary": "Replace the snapshot", "requestBody": { "content": { "application/json": { "schema": {} } } }, "responses": { "200": { "description": "stored instrument" }, "400": { "description": "invalid snapshot" }, "404": { "description": "instrument not found" } } },
      "post": { "summary": "Replace the snapshot (alias of PUT)", "responses": { "200": { "description": "stored instrument" } } }
    },
    "/api/instruments/class/{ownerId}/changes": {
      "get": { "summary": "Recent change-log entries, newest first", "parameters": [ { "name": "limit", "in": "query", "schema": {"type":"integer","minimum":1,"maximum":200} } ], "responses": { "200": { "description": "entries", "content": {"application/json": {"schema": {"type":"array","items":{"$ref":"#/components/schemas/ChangeLogEntry"}}}} } } }
    },
    "/api/instruments/images": {
      "post": { "summary": "Upload an image (multipart field file)", "responses": { "201": { "description": "{id, url}" }, "415": { "description": "unsupported type" } } }
    },
    "/api/instruments/images/{id}": {
      "get": { "summary": "Download an image", "responses": { "200": { "description": "image bytes" }, "404": { "description": "not found" } } }
    },
    "/api/sessions/revoke": {
      "post": { "summary": "Revoke the presented access token", "responses": { "200": { "description": "revoked" } } }
    },
    "/ws": { "get": { "summary": "Realtime websocket (subscribe, unsubscribe, update frames)", "responses": { "101": { "description": "switching protocols" } } } },
    "/health": { "get": { "summary": "Liveness check", "responses": { "200": { "description": "healthy" } } } },
    "/ready": { "get": { "summary": "Readiness check", "responses": { "200": { "description": "ready" }, "503": { "description": "not ready" } } } }
  }
}`
