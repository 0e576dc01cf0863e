package openapi

import "github.com/getkin/kin-openapi/openapi3"

// friendlyIDs maps "METHOD path" to the operation id clients generate
// code against. Untouched operations keep their mechanical id.
var friendlyIDs = map[string]string{
	"GET /health":  "health",
	"GET /metrics": "metrics",

	"POST /v1/auth/register":               "register",
	"POST /v1/auth/login":                  "login",
	"POST /v1/auth/refresh":                "refresh",
	"POST /v1/auth/logout":                 "logout",
	"POST /v1/auth/logout-all":             "logoutAll",
	"POST /v1/auth/request-password-reset": "requestPasswordReset",
	"POST /v1/auth/reset-password":         "resetPassword",
	"POST /v1/auth/change-password":        "changePassword",

	"GET /v1/users/me":            "me",
	"PUT /v1/users/me/push-token": "setPushToken",

	"POST /v1/test/start":               "startTest",
	"POST /v1/test/next":                "submitAnswer",
	"POST /v1/test/submit":              "submitBatch",
	"POST /v1/test/abandon":             "abandonTest",
	"GET /v1/test/active":               "activeSession",
	"GET /v1/test/result/{session_id}":  "testResult",

	"GET /v1/admin/reliability":               "reliabilityReport",
	"GET /v1/admin/reliability/history":       "reliabilityHistory",
	"GET /v1/admin/anchor-items":              "listAnchors",
	"POST /v1/admin/anchor-items/auto-select": "autoSelectAnchors",
	"POST /v1/admin/anchor-items/{item_id}":   "setAnchor",
	"GET /v1/admin/security/logout-all-events": "logoutAllEvents",
}

// Transform applies the client-facing cleanup: friendly operation ids
// and the tag index. Exporting with --no-transform skips this and keeps
// the mechanical ids.
func Transform(doc *openapi3.T) {
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if id, ok := friendlyIDs[method+" "+path]; ok {
				op.OperationID = id
			}
		}
	}
	doc.Tags = openapi3.Tags{
		&openapi3.Tag{Name: "auth", Description: "Accounts, tokens, and password lifecycle"},
		&openapi3.Tag{Name: "users", Description: "The authenticated account"},
		&openapi3.Tag{Name: "test", Description: "Adaptive and fixed-form test sessions"},
		&openapi3.Tag{Name: "admin", Description: "Operational surface behind X-Admin-Token"},
		&openapi3.Tag{Name: "infra", Description: "Health and metrics"},
	}
}
