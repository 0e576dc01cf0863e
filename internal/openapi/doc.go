// Package openapi builds the service's OpenAPI v3 description
// programmatically, so the exported document cannot drift from the route
// surface the server mounts.
package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"
)

const (
	// Title and DocVersion describe the published contract, not the build.
	Title      = "MindGauge API"
	DocVersion = "1.0.0"

	schemaPrefix = "#/components/schemas/"
)

// Document assembles the full API description: info, security schemes,
// component schemas, and one path item per mounted route. Operation ids
// are mechanical (method + path); Transform rewrites them into the
// client-facing names.
func Document() *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       Title,
			Version:     DocVersion,
			Description: "Adaptive cognitive-assessment service: accounts, CAT test sessions, scoring, and the operational admin surface.",
		},
		Servers: openapi3.Servers{
			&openapi3.Server{URL: "/", Description: "Relative to the deployment host"},
		},
		Paths: openapi3.NewPaths(),
		Components: &openapi3.Components{
			Schemas: componentSchemas(),
			SecuritySchemes: openapi3.SecuritySchemes{
				"bearerAuth": &openapi3.SecuritySchemeRef{
					Value: openapi3.NewJWTSecurityScheme(),
				},
				"adminToken": &openapi3.SecuritySchemeRef{
					Value: openapi3.NewSecurityScheme().
						WithType("apiKey").
						WithIn("header").
						WithName("X-Admin-Token"),
				},
			},
		},
	}

	addInfraPaths(doc)
	addAuthPaths(doc)
	addUserPaths(doc)
	addTestPaths(doc)
	addAdminPaths(doc)
	return doc
}

// ref points an operation at a component schema. Ref and Value are both
// set: marshaling emits the $ref, validation sees the resolved schema.
func ref(name string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Ref: schemaPrefix + name, Value: components[name]}
}

func inline(s *openapi3.Schema) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: s}
}

// components is built once; ref() resolves against it.
var components = buildComponents()

func componentSchemas() openapi3.Schemas {
	out := openapi3.Schemas{}
	for name, s := range components {
		out[name] = &openapi3.SchemaRef{Value: s}
	}
	return out
}

func buildComponents() map[string]*openapi3.Schema {
	errKey := openapi3.NewStringSchema()
	errKey.Description = "Stable machine-readable key"
	errSchema := openapi3.NewObjectSchema().
		WithProperty("error", errKey).
		WithProperty("detail", openapi3.NewStringSchema())
	errSchema.Required = []string{"error"}

	user := openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewInt64Schema()).
		WithProperty("email", openapi3.NewStringSchema().WithFormat("email")).
		WithProperty("first_name", openapi3.NewStringSchema()).
		WithProperty("last_name", openapi3.NewStringSchema()).
		WithProperty("birth_year", openapi3.NewIntegerSchema()).
		WithProperty("education_level", openapi3.NewStringSchema()).
		WithProperty("country", openapi3.NewStringSchema()).
		WithProperty("region", openapi3.NewStringSchema()).
		WithProperty("push_enabled", openapi3.NewBoolSchema()).
		WithProperty("created_at", openapi3.NewStringSchema().WithFormat("date-time"))

	tokenPair := openapi3.NewObjectSchema().
		WithProperty("access_token", openapi3.NewStringSchema()).
		WithProperty("refresh_token", openapi3.NewStringSchema()).
		WithProperty("token_type", openapi3.NewStringSchema().WithDefault("bearer")).
		WithPropertyRef("user", &openapi3.SchemaRef{Ref: schemaPrefix + "User", Value: user})
	tokenPair.Required = []string{"access_token", "refresh_token", "token_type"}

	question := openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewInt64Schema()).
		WithProperty("prompt", openapi3.NewStringSchema()).
		WithProperty("stimulus", openapi3.NewStringSchema()).
		WithProperty("options", openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema())).
		WithProperty("domain", domainSchema()).
		WithProperty("difficulty", openapi3.NewStringSchema().
			WithEnum("easy", "medium", "hard"))

	domainScore := openapi3.NewObjectSchema().
		WithProperty("items", openapi3.NewIntegerSchema()).
		WithProperty("correct", openapi3.NewIntegerSchema()).
		WithProperty("accuracy", openapi3.NewFloat64Schema().WithMin(0).WithMax(1))

	result := openapi3.NewObjectSchema().
		WithProperty("session_id", openapi3.NewInt64Schema()).
		WithProperty("user_id", openapi3.NewInt64Schema()).
		WithProperty("iq", openapi3.NewIntegerSchema().WithMin(40).WithMax(160)).
		WithProperty("iq_standard_error", openapi3.NewFloat64Schema()).
		WithProperty("ci_low", openapi3.NewIntegerSchema()).
		WithProperty("ci_high", openapi3.NewIntegerSchema()).
		WithProperty("theta", openapi3.NewFloat64Schema()).
		WithProperty("se", openapi3.NewFloat64Schema()).
		WithProperty("items_administered", openapi3.NewIntegerSchema()).
		WithProperty("correct_count", openapi3.NewIntegerSchema()).
		WithPropertyRef("domain_scores", &openapi3.SchemaRef{
			Value: openapi3.NewObjectSchema().
				WithAdditionalProperties(domainScore),
		}).
		WithProperty("stopping_reason", stopReasonSchema()).
		WithProperty("fit", openapi3.NewStringSchema().WithEnum("ok", "flagged")).
		WithProperty("completed_at", openapi3.NewStringSchema().WithFormat("date-time"))

	questionRef := &openapi3.SchemaRef{Ref: schemaPrefix + "Question", Value: question}
	questionList := openapi3.NewArraySchema()
	questionList.Items = questionRef

	start := openapi3.NewObjectSchema().
		WithProperty("session_id", openapi3.NewInt64Schema()).
		WithProperty("mode", openapi3.NewStringSchema().WithEnum("adaptive", "fixed")).
		WithProperty("started_at", openapi3.NewStringSchema().WithFormat("date-time")).
		WithProperty("current_theta", openapi3.NewFloat64Schema()).
		WithProperty("current_se", openapi3.NewFloat64Schema()).
		WithPropertyRef("question", questionRef).
		WithPropertyRef("questions", &openapi3.SchemaRef{Value: questionList})

	step := openapi3.NewObjectSchema().
		WithProperty("test_complete", openapi3.NewBoolSchema()).
		WithPropertyRef("next_question", questionRef).
		WithProperty("items_administered", openapi3.NewIntegerSchema()).
		WithProperty("current_theta", openapi3.NewFloat64Schema()).
		WithProperty("current_se", openapi3.NewFloat64Schema()).
		WithPropertyRef("result", &openapi3.SchemaRef{Ref: schemaPrefix + "TestResult", Value: result}).
		WithProperty("stopping_reason", stopReasonSchema())
	step.Required = []string{"test_complete", "items_administered"}

	active := openapi3.NewObjectSchema().
		WithProperty("session_id", openapi3.NewInt64Schema()).
		WithProperty("mode", openapi3.NewStringSchema().WithEnum("adaptive", "fixed")).
		WithProperty("started_at", openapi3.NewStringSchema().WithFormat("date-time")).
		WithProperty("items_administered", openapi3.NewIntegerSchema()).
		WithProperty("current_theta", openapi3.NewFloat64Schema()).
		WithProperty("current_se", openapi3.NewFloat64Schema()).
		WithPropertyRef("question", questionRef).
		WithPropertyRef("remaining", &openapi3.SchemaRef{Value: questionList})

	metricValue := openapi3.NewObjectSchema().
		WithProperty("value", openapi3.NewFloat64Schema()).
		WithProperty("sample_size", openapi3.NewIntegerSchema()).
		WithPropertyRef("details", &openapi3.SchemaRef{
			Value: openapi3.NewObjectSchema().
				WithAdditionalProperties(openapi3.NewFloat64Schema()),
		})

	metricRef := &openapi3.SchemaRef{Ref: schemaPrefix + "MetricValue", Value: metricValue}
	report := openapi3.NewObjectSchema().
		WithPropertyRef("cronbachs_alpha", metricRef).
		WithPropertyRef("test_retest", metricRef).
		WithPropertyRef("split_half", metricRef).
		WithProperty("generated_at", openapi3.NewStringSchema().WithFormat("date-time"))

	historyEntry := openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewInt64Schema()).
		WithProperty("metric_type", metricTypeSchema()).
		WithProperty("value", openapi3.NewFloat64Schema()).
		WithProperty("sample_size", openapi3.NewIntegerSchema()).
		WithPropertyRef("details", &openapi3.SchemaRef{
			Value: openapi3.NewObjectSchema().
				WithAdditionalProperties(openapi3.NewFloat64Schema()),
		}).
		WithProperty("calculated_at", openapi3.NewStringSchema().WithFormat("date-time"))

	anchor := openapi3.NewObjectSchema().
		WithProperty("item_id", openapi3.NewInt64Schema()).
		WithProperty("domain", domainSchema()).
		WithProperty("difficulty", openapi3.NewStringSchema().
			WithEnum("easy", "medium", "hard")).
		WithProperty("a", openapi3.NewFloat64Schema()).
		WithProperty("b", openapi3.NewFloat64Schema()).
		WithProperty("responses", openapi3.NewIntegerSchema()).
		WithProperty("anchor_since", openapi3.NewStringSchema().WithFormat("date-time"))

	relatedReset := openapi3.NewObjectSchema().
		WithProperty("event", openapi3.NewStringSchema()).
		WithProperty("at", openapi3.NewStringSchema().WithFormat("date-time"))

	logoutAllEvent := openapi3.NewObjectSchema().
		WithProperty("user_id", openapi3.NewInt64Schema()).
		WithProperty("email", openapi3.NewStringSchema()).
		WithProperty("ip", openapi3.NewStringSchema()).
		WithProperty("request_id", openapi3.NewStringSchema()).
		WithProperty("created_at", openapi3.NewStringSchema().WithFormat("date-time")).
		WithProperty("correlated", openapi3.NewBoolSchema()).
		WithProperty("related_resets", openapi3.NewArraySchema().WithItems(relatedReset))

	return map[string]*openapi3.Schema{
		"Error":          errSchema,
		"User":           user,
		"TokenPair":      tokenPair,
		"Question":       question,
		"DomainScore":    domainScore,
		"TestResult":     result,
		"StartResponse":  start,
		"StepResponse":   step,
		"ActiveSession":  active,
		"MetricValue":    metricValue,
		"Report":         report,
		"MetricHistory":  historyEntry,
		"AnchorItem":     anchor,
		"LogoutAllEvent": logoutAllEvent,
	}
}

func domainSchema() *openapi3.Schema {
	return openapi3.NewStringSchema().
		WithEnum("pattern", "logic", "spatial", "math", "verbal", "memory")
}

func stopReasonSchema() *openapi3.Schema {
	return openapi3.NewStringSchema().
		WithEnum("se_threshold", "max_items", "item_pool_exhausted", "fixed_form_complete")
}

func metricTypeSchema() *openapi3.Schema {
	return openapi3.NewStringSchema().
		WithEnum("cronbachs_alpha", "test_retest", "split_half")
}
