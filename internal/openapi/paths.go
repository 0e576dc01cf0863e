package openapi

import (
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

func jsonResponse(desc string, schema *openapi3.SchemaRef) *openapi3.ResponseRef {
	return &openapi3.ResponseRef{
		Value: openapi3.NewResponse().WithDescription(desc).WithJSONSchemaRef(schema),
	}
}

func emptyResponse(desc string) *openapi3.ResponseRef {
	return &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription(desc)}
}

func errResponse(desc string) *openapi3.ResponseRef {
	return jsonResponse(desc, ref("Error"))
}

func jsonBody(schema *openapi3.SchemaRef) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{
		Value: openapi3.NewRequestBody().WithRequired(true).WithJSONSchemaRef(schema),
	}
}

func bearerSecurity() *openapi3.SecurityRequirements {
	return openapi3.NewSecurityRequirements().
		With(openapi3.NewSecurityRequirement().Authenticate("bearerAuth"))
}

func adminSecurity() *openapi3.SecurityRequirements {
	return openapi3.NewSecurityRequirements().
		With(openapi3.NewSecurityRequirement().Authenticate("adminToken"))
}

// opID derives the mechanical operation id: post /v1/auth/register
// becomes post_v1_auth_register. Transform substitutes friendly names.
func opID(method, path string) string {
	p := strings.NewReplacer("/", "_", "{", "", "}", "", "-", "_").Replace(strings.TrimPrefix(path, "/"))
	return strings.ToLower(method) + "_" + p
}

func route(doc *openapi3.T, method, path string, op *openapi3.Operation) {
	op.OperationID = opID(method, path)
	item := doc.Paths.Value(path)
	if item == nil {
		item = &openapi3.PathItem{}
		doc.Paths.Set(path, item)
	}
	item.SetOperation(method, op)
}

func addInfraPaths(doc *openapi3.T) {
	health := openapi3.NewObjectSchema().
		WithProperty("status", openapi3.NewStringSchema().WithEnum("ok", "degraded"))
	route(doc, http.MethodGet, "/health", &openapi3.Operation{
		Summary: "Service and store health",
		Tags:    []string{"infra"},
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Store reachable", inline(health))),
			openapi3.WithStatus(503, jsonResponse("Store unreachable", inline(health))),
		),
	})

	metricsResp := openapi3.NewResponse().WithDescription("Prometheus exposition format")
	metricsResp.Content = openapi3.NewContentWithSchema(openapi3.NewStringSchema(), []string{"text/plain"})
	route(doc, http.MethodGet, "/metrics", &openapi3.Operation{
		Summary:   "Prometheus metrics",
		Tags:      []string{"infra"},
		Responses: openapi3.NewResponses(openapi3.WithStatus(200, &openapi3.ResponseRef{Value: metricsResp})),
	})
}

func addAuthPaths(doc *openapi3.T) {
	credentials := openapi3.NewObjectSchema().
		WithProperty("email", openapi3.NewStringSchema().WithFormat("email")).
		WithProperty("password", openapi3.NewStringSchema())
	credentials.Required = []string{"email", "password"}

	registration := openapi3.NewObjectSchema().
		WithProperty("email", openapi3.NewStringSchema().WithFormat("email")).
		WithProperty("password", openapi3.NewStringSchema().WithMinLength(8).WithMaxLength(128)).
		WithProperty("first_name", openapi3.NewStringSchema()).
		WithProperty("last_name", openapi3.NewStringSchema()).
		WithProperty("birth_year", openapi3.NewIntegerSchema()).
		WithProperty("education_level", openapi3.NewStringSchema()).
		WithProperty("country", openapi3.NewStringSchema()).
		WithProperty("region", openapi3.NewStringSchema())
	registration.Required = []string{"email", "password", "first_name", "last_name"}

	route(doc, http.MethodPost, "/v1/auth/register", &openapi3.Operation{
		Summary:     "Create an account and issue the first token pair",
		Tags:        []string{"auth"},
		RequestBody: jsonBody(inline(registration)),
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(201, jsonResponse("Account created", ref("TokenPair"))),
			openapi3.WithStatus(409, errResponse("Email already registered")),
			openapi3.WithStatus(422, errResponse("Weak password or disposable email domain")),
		),
	})

	route(doc, http.MethodPost, "/v1/auth/login", &openapi3.Operation{
		Summary:     "Authenticate and issue a token pair",
		Tags:        []string{"auth"},
		RequestBody: jsonBody(inline(credentials)),
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Authenticated", ref("TokenPair"))),
			openapi3.WithStatus(401, errResponse("Invalid credentials")),
		),
	})

	route(doc, http.MethodPost, "/v1/auth/refresh", &openapi3.Operation{
		Summary:  "Rotate the token pair using a refresh token",
		Tags:     []string{"auth"},
		Security: bearerSecurity(),
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Fresh token pair; the old refresh token is revoked", ref("TokenPair"))),
			openapi3.WithStatus(401, errResponse("Expired, revoked, or wrong-type token")),
		),
	})

	logoutBody := openapi3.NewObjectSchema().
		WithProperty("refresh_token", openapi3.NewStringSchema())
	route(doc, http.MethodPost, "/v1/auth/logout", &openapi3.Operation{
		Summary:     "Revoke the current access token, and the refresh token when supplied",
		Tags:        []string{"auth"},
		Security:    bearerSecurity(),
		RequestBody: &openapi3.RequestBodyRef{Value: openapi3.NewRequestBody().WithJSONSchemaRef(inline(logoutBody))},
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(204, emptyResponse("Logged out")),
			openapi3.WithStatus(401, errResponse("Not authenticated")),
		),
	})

	route(doc, http.MethodPost, "/v1/auth/logout-all", &openapi3.Operation{
		Summary:  "Revoke every token issued to the account before now",
		Tags:     []string{"auth"},
		Security: bearerSecurity(),
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(204, emptyResponse("All sessions revoked")),
			openapi3.WithStatus(401, errResponse("Not authenticated")),
		),
	})

	resetRequest := openapi3.NewObjectSchema().
		WithProperty("email", openapi3.NewStringSchema().WithFormat("email"))
	resetRequest.Required = []string{"email"}
	message := openapi3.NewObjectSchema().
		WithProperty("message", openapi3.NewStringSchema())
	route(doc, http.MethodPost, "/v1/auth/request-password-reset", &openapi3.Operation{
		Summary:     "Request a password-reset token by email",
		Description: "Always returns 200 with the same message, whether or not the address is registered.",
		Tags:        []string{"auth"},
		RequestBody: jsonBody(inline(resetRequest)),
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Generic acknowledgement", inline(message))),
		),
	})

	resetConfirm := openapi3.NewObjectSchema().
		WithProperty("token", openapi3.NewStringSchema()).
		WithProperty("new_password", openapi3.NewStringSchema().WithMinLength(8).WithMaxLength(128))
	resetConfirm.Required = []string{"token", "new_password"}
	route(doc, http.MethodPost, "/v1/auth/reset-password", &openapi3.Operation{
		Summary:     "Set a new password with a reset token",
		Tags:        []string{"auth"},
		RequestBody: jsonBody(inline(resetConfirm)),
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Password reset", inline(message))),
			openapi3.WithStatus(400, errResponse("Invalid, expired, or already-used token")),
		),
	})

	change := openapi3.NewObjectSchema().
		WithProperty("current_password", openapi3.NewStringSchema()).
		WithProperty("new_password", openapi3.NewStringSchema().WithMinLength(8).WithMaxLength(128))
	change.Required = []string{"current_password", "new_password"}
	route(doc, http.MethodPost, "/v1/auth/change-password", &openapi3.Operation{
		Summary:  "Change the password of the authenticated account",
		Tags:     []string{"auth"},
		Security: bearerSecurity(),
		RequestBody: jsonBody(inline(change)),
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Password changed; other sessions revoked and a fresh pair issued", ref("TokenPair"))),
			openapi3.WithStatus(204, emptyResponse("Password changed")),
			openapi3.WithStatus(401, errResponse("Current password rejected")),
		),
	})
}

func addUserPaths(doc *openapi3.T) {
	route(doc, http.MethodGet, "/v1/users/me", &openapi3.Operation{
		Summary:  "The authenticated account",
		Tags:     []string{"users"},
		Security: bearerSecurity(),
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Account profile", ref("User"))),
			openapi3.WithStatus(401, errResponse("Not authenticated")),
		),
	})

	push := openapi3.NewObjectSchema().
		WithProperty("push_token", openapi3.NewStringSchema()).
		WithProperty("enabled", openapi3.NewBoolSchema())
	route(doc, http.MethodPut, "/v1/users/me/push-token", &openapi3.Operation{
		Summary:     "Register or clear the device push token",
		Tags:        []string{"users"},
		Security:    bearerSecurity(),
		RequestBody: jsonBody(inline(push)),
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(204, emptyResponse("Token stored")),
			openapi3.WithStatus(400, errResponse("Enabled without a token")),
		),
	})
}

func addTestPaths(doc *openapi3.T) {
	adaptive := openapi3.NewQueryParameter("adaptive").
		WithSchema(openapi3.NewBoolSchema()).
		WithDescription("Adaptive administration; defaults to a fixed form")
	count := openapi3.NewQueryParameter("question_count").
		WithSchema(openapi3.NewIntegerSchema().WithMin(1).WithMax(50)).
		WithDescription("Fixed-form size; ignored for adaptive sessions")

	route(doc, http.MethodPost, "/v1/test/start", &openapi3.Operation{
		Summary:  "Open a test session",
		Tags:     []string{"test"},
		Security: bearerSecurity(),
		Parameters: openapi3.Parameters{
			&openapi3.ParameterRef{Value: adaptive},
			&openapi3.ParameterRef{Value: count},
		},
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Session opened: first question (adaptive) or the whole form (fixed)", ref("StartResponse"))),
			openapi3.WithStatus(409, errResponse("A session is already in progress")),
		),
	})

	answer := openapi3.NewObjectSchema().
		WithProperty("session_id", openapi3.NewInt64Schema()).
		WithProperty("question_id", openapi3.NewInt64Schema()).
		WithProperty("user_answer", openapi3.NewStringSchema()).
		WithProperty("time_spent_seconds", openapi3.NewFloat64Schema().WithMin(0))
	answer.Required = []string{"session_id", "question_id", "user_answer"}

	route(doc, http.MethodPost, "/v1/test/next", &openapi3.Operation{
		Summary:     "Submit an answer and receive the next question or the result",
		Tags:        []string{"test"},
		Security:    bearerSecurity(),
		RequestBody: jsonBody(inline(answer)),
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Session stepped", ref("StepResponse"))),
			openapi3.WithStatus(400, errResponse("Empty answer, negative latency, or unassigned question")),
			openapi3.WithStatus(403, errResponse("Session belongs to another user")),
			openapi3.WithStatus(404, errResponse("No such session")),
			openapi3.WithStatus(409, errResponse("Answer already submitted for this question")),
		),
	})

	batchAnswer := openapi3.NewObjectSchema().
		WithProperty("question_id", openapi3.NewInt64Schema()).
		WithProperty("user_answer", openapi3.NewStringSchema()).
		WithProperty("time_spent_seconds", openapi3.NewFloat64Schema().WithMin(0))
	batch := openapi3.NewObjectSchema().
		WithProperty("session_id", openapi3.NewInt64Schema()).
		WithProperty("answers", openapi3.NewArraySchema().WithItems(batchAnswer))
	batch.Required = []string{"session_id", "answers"}

	route(doc, http.MethodPost, "/v1/test/submit", &openapi3.Operation{
		Summary:     "Submit a fixed-form batch and finalize the session",
		Tags:        []string{"test"},
		Security:    bearerSecurity(),
		RequestBody: jsonBody(inline(batch)),
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Session scored", ref("StepResponse"))),
			openapi3.WithStatus(400, errResponse("Session finished, not fixed-form, or batch invalid")),
			openapi3.WithStatus(403, errResponse("Session belongs to another user")),
			openapi3.WithStatus(404, errResponse("No such session")),
		),
	})

	abandon := openapi3.NewObjectSchema().
		WithProperty("session_id", openapi3.NewInt64Schema())
	abandon.Required = []string{"session_id"}
	route(doc, http.MethodPost, "/v1/test/abandon", &openapi3.Operation{
		Summary:     "Abandon the in-progress session",
		Tags:        []string{"test"},
		Security:    bearerSecurity(),
		RequestBody: jsonBody(inline(abandon)),
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(204, emptyResponse("Session abandoned")),
			openapi3.WithStatus(403, errResponse("Session belongs to another user")),
			openapi3.WithStatus(404, errResponse("No such session")),
		),
	})

	route(doc, http.MethodGet, "/v1/test/active", &openapi3.Operation{
		Summary:  "Resume view of the in-progress session",
		Tags:     []string{"test"},
		Security: bearerSecurity(),
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Pending question (adaptive) or remaining form (fixed)", ref("ActiveSession"))),
			openapi3.WithStatus(404, errResponse("Nothing in progress")),
		),
	})

	sessionID := openapi3.NewPathParameter("session_id").
		WithSchema(openapi3.NewInt64Schema())
	route(doc, http.MethodGet, "/v1/test/result/{session_id}", &openapi3.Operation{
		Summary:    "Final score block of a completed session",
		Tags:       []string{"test"},
		Security:   bearerSecurity(),
		Parameters: openapi3.Parameters{&openapi3.ParameterRef{Value: sessionID}},
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Result", ref("TestResult"))),
			openapi3.WithStatus(403, errResponse("Session belongs to another user")),
			openapi3.WithStatus(404, errResponse("Unknown session or result not ready")),
		),
	})
}

func addAdminPaths(doc *openapi3.T) {
	historize := openapi3.NewQueryParameter("historize").
		WithSchema(openapi3.NewBoolSchema()).
		WithDescription("Persist each computed metric to the history")
	route(doc, http.MethodGet, "/v1/admin/reliability", &openapi3.Operation{
		Summary:    "Compute the reliability report",
		Tags:       []string{"admin"},
		Security:   adminSecurity(),
		Parameters: openapi3.Parameters{&openapi3.ParameterRef{Value: historize}},
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Whichever metrics the data supports", ref("Report"))),
			openapi3.WithStatus(403, errResponse("Admin token missing or wrong")),
		),
	})

	days := openapi3.NewQueryParameter("days").
		WithSchema(openapi3.NewIntegerSchema().WithMin(1).WithMax(365))
	metricType := openapi3.NewQueryParameter("metric_type").
		WithSchema(metricTypeSchema())
	limit := openapi3.NewQueryParameter("limit").
		WithSchema(openapi3.NewIntegerSchema().WithMin(1).WithMax(200))
	offset := openapi3.NewQueryParameter("offset").
		WithSchema(openapi3.NewIntegerSchema().WithMin(0))

	history := openapi3.NewObjectSchema().
		WithPropertyRef("metrics", &openapi3.SchemaRef{Value: arrayOf("MetricHistory")}).
		WithProperty("days", openapi3.NewIntegerSchema()).
		WithProperty("limit", openapi3.NewIntegerSchema()).
		WithProperty("offset", openapi3.NewIntegerSchema())
	route(doc, http.MethodGet, "/v1/admin/reliability/history", &openapi3.Operation{
		Summary:  "Historized reliability metrics, newest first",
		Tags:     []string{"admin"},
		Security: adminSecurity(),
		Parameters: openapi3.Parameters{
			&openapi3.ParameterRef{Value: days},
			&openapi3.ParameterRef{Value: metricType},
			&openapi3.ParameterRef{Value: limit},
			&openapi3.ParameterRef{Value: offset},
		},
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Metric history page", inline(history))),
			openapi3.WithStatus(400, errResponse("Filter out of range")),
			openapi3.WithStatus(403, errResponse("Admin token missing or wrong")),
		),
	})

	anchorList := openapi3.NewObjectSchema().
		WithPropertyRef("anchors", &openapi3.SchemaRef{Value: arrayOf("AnchorItem")}).
		WithProperty("count", openapi3.NewIntegerSchema())
	route(doc, http.MethodGet, "/v1/admin/anchor-items", &openapi3.Operation{
		Summary:  "Current anchor items with response volumes",
		Tags:     []string{"admin"},
		Security: adminSecurity(),
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Anchor set", inline(anchorList))),
			openapi3.WithStatus(403, errResponse("Admin token missing or wrong")),
		),
	})

	autoSelect := openapi3.NewObjectSchema().
		WithProperty("count", openapi3.NewIntegerSchema().WithMin(1).WithMax(50).WithDefault(10))
	selected := openapi3.NewObjectSchema().
		WithPropertyRef("selected", &openapi3.SchemaRef{Value: arrayOf("AnchorItem")}).
		WithProperty("count", openapi3.NewIntegerSchema())
	route(doc, http.MethodPost, "/v1/admin/anchor-items/auto-select", &openapi3.Operation{
		Summary:     "Mark the top-N most-answered stable items as anchors",
		Tags:        []string{"admin"},
		Security:    adminSecurity(),
		RequestBody: jsonBody(inline(autoSelect)),
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Newly anchored items, ranked", inline(selected))),
			openapi3.WithStatus(400, errResponse("Count out of range")),
			openapi3.WithStatus(403, errResponse("Admin token missing or wrong")),
		),
	})

	itemID := openapi3.NewPathParameter("item_id").
		WithSchema(openapi3.NewInt64Schema())
	anchorSet := openapi3.NewObjectSchema().
		WithProperty("anchor", openapi3.NewBoolSchema())
	anchorSet.Required = []string{"anchor"}
	anchorSetResp := openapi3.NewObjectSchema().
		WithProperty("item_id", openapi3.NewInt64Schema()).
		WithProperty("anchor", openapi3.NewBoolSchema())
	route(doc, http.MethodPost, "/v1/admin/anchor-items/{item_id}", &openapi3.Operation{
		Summary:     "Set or clear an item's anchor flag",
		Tags:        []string{"admin"},
		Security:    adminSecurity(),
		Parameters:  openapi3.Parameters{&openapi3.ParameterRef{Value: itemID}},
		RequestBody: jsonBody(inline(anchorSet)),
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Flag updated", inline(anchorSetResp))),
			openapi3.WithStatus(403, errResponse("Admin token missing or wrong")),
			openapi3.WithStatus(404, errResponse("No such item")),
		),
	})

	eventsDays := openapi3.NewQueryParameter("days").
		WithSchema(openapi3.NewIntegerSchema().WithMin(1).WithMax(365).WithDefault(7))
	eventsResp := openapi3.NewObjectSchema().
		WithProperty("window_days", openapi3.NewIntegerSchema()).
		WithProperty("count", openapi3.NewIntegerSchema()).
		WithPropertyRef("events", &openapi3.SchemaRef{Value: arrayOf("LogoutAllEvent")})
	route(doc, http.MethodGet, "/v1/admin/security/logout-all-events", &openapi3.Operation{
		Summary:     "Logout-all events joined with nearby password resets",
		Description: "Each mass revocation in the window, correlated with the same user's password resets no more than 24 hours away.",
		Tags:        []string{"admin"},
		Security:    adminSecurity(),
		Parameters:  openapi3.Parameters{&openapi3.ParameterRef{Value: eventsDays}},
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, jsonResponse("Forensic view", inline(eventsResp))),
			openapi3.WithStatus(400, errResponse("Days out of range")),
			openapi3.WithStatus(403, errResponse("Admin token missing or wrong")),
		),
	})
}

func arrayOf(component string) *openapi3.Schema {
	s := openapi3.NewArraySchema()
	s.Items = ref(component)
	return s
}
