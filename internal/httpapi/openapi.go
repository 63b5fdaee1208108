package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/go-openapi/spec"
)

// buildOpenAPIDocument assembles the published API contract. Built
// once at server construction; GET /openapi.json serves the bytes.
func buildOpenAPIDocument() ([]byte, error) {
	doc := spec.Swagger{
		SwaggerProps: spec.SwaggerProps{
			Swagger: "2.0",
			Info: &spec.Info{
				InfoProps: spec.InfoProps{
					Title:       "Transit Dispatch API",
					Description: "Viewport scope provisioning and scoped vehicle snapshot frames.",
					Version:     "1.0.0",
				},
			},
			BasePath: "/",
			Consumes: []string{"application/json"},
			Produces: []string{"application/json"},
			Paths: &spec.Paths{Paths: map[string]spec.PathItem{
				"/api/v1/trains/scopes": {
					PathItemProps: spec.PathItemProps{
						Post: postScopesOperation(),
						Get:  listScopesOperation(),
					},
				},
				"/api/v1/trains": {
					PathItemProps: spec.PathItemProps{Get: getFrameOperation()},
				},
				"/healthz": {
					PathItemProps: spec.PathItemProps{Get: simpleOperation("healthz", "Liveness probe.")},
				},
				"/metrics": {
					PathItemProps: spec.PathItemProps{Get: simpleOperation("metrics", "Prometheus text exposition.")},
				},
			}},
			Definitions: definitions(),
		},
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal openapi document: %w", err)
	}
	return body, nil
}

func postScopesOperation() *spec.Operation {
	op := spec.NewOperation("createScope")
	op.Summary = "Provision or refresh a viewport scope"
	op.Parameters = []spec.Parameter{{
		ParamProps: spec.ParamProps{
			Name:     "body",
			In:       "body",
			Required: true,
			Schema:   spec.RefSchema("#/definitions/ViewportRequest"),
		},
	}}
	op.Responses = responses(map[int]string{
		200: "Scope exists; latest frame returned",
		201: "Scope created with an empty frame",
		400: "Invalid viewport request",
	})
	return op
}

func getFrameOperation() *spec.Operation {
	op := spec.NewOperation("getFrame")
	op.Summary = "Fetch the latest frame for a scope"
	op.Parameters = []spec.Parameter{{
		ParamProps:   spec.ParamProps{Name: "scope", In: "query", Required: true},
		SimpleSchema: spec.SimpleSchema{Type: "string"},
	}}
	op.Responses = responses(map[int]string{
		200: "Latest frame",
		400: "Missing or invalid scope parameter",
		404: "Scope not found",
	})
	return op
}

func listScopesOperation() *spec.Operation {
	op := spec.NewOperation("listScopes")
	op.Summary = "List active scope definitions"
	op.Responses = responses(map[int]string{200: "Active scope definitions"})
	return op
}

func simpleOperation(id, summary string) *spec.Operation {
	op := spec.NewOperation(id)
	op.Summary = summary
	op.Responses = responses(map[int]string{200: "OK"})
	return op
}

func responses(codes map[int]string) *spec.Responses {
	out := &spec.Responses{ResponsesProps: spec.ResponsesProps{
		StatusCodeResponses: make(map[int]spec.Response, len(codes)),
	}}
	for code, desc := range codes {
		out.StatusCodeResponses[code] = spec.Response{
			ResponseProps: spec.ResponseProps{Description: desc},
		}
	}
	return out
}

func definitions() spec.Definitions {
	return spec.Definitions{
		"Coordinate": schemaWith(map[string]spec.Schema{
			"lat": *spec.Float64Property(),
			"lng": *spec.Float64Property(),
		}, "lat", "lng"),
		"BBox": schemaWith(map[string]spec.Schema{
			"south": *spec.Float64Property(),
			"west":  *spec.Float64Property(),
			"north": *spec.Float64Property(),
			"east":  *spec.Float64Property(),
			"zoom":  *spec.Int32Property(),
		}, "south", "west", "north", "east"),
		"VehiclePosition": schemaWith(map[string]spec.Schema{
			"id":         *spec.StringProperty(),
			"coordinate": *spec.RefSchema("#/definitions/Coordinate"),
			"updatedAt":  *spec.StringProperty(),
			"tripId":     *spec.StringProperty(),
			"routeId":    *spec.StringProperty(),
			"bearing":    *spec.Float64Property(),
			"speedMps":   *spec.Float64Property(),
			"status":     *spec.StringProperty(),
		}, "id", "coordinate", "updatedAt"),
		"ViewportRequest": schemaWith(map[string]spec.Schema{
			"cityId":           *spec.StringProperty(),
			"bbox":             *spec.RefSchema("#/definitions/BBox"),
			"externalScopeKey": *spec.StringProperty(),
		}, "cityId", "bbox"),
		"ScopeDefinition": schemaWith(map[string]spec.Schema{
			"id":        *spec.StringProperty(),
			"cityId":    *spec.StringProperty(),
			"bbox":      *spec.RefSchema("#/definitions/BBox"),
			"createdAt": *spec.StringProperty(),
		}, "id", "cityId", "bbox", "createdAt"),
		"ScopedTrainsFrame": schemaWith(map[string]spec.Schema{
			"scopeId":  *spec.StringProperty(),
			"bbox":     *spec.RefSchema("#/definitions/BBox"),
			"cityId":   *spec.StringProperty(),
			"at":       *spec.StringProperty(),
			"checksum": *spec.StringProperty(),
			"vehicles": *spec.ArrayProperty(spec.RefSchema("#/definitions/VehiclePosition")),
		}, "scopeId", "bbox", "cityId", "at", "vehicles"),
	}
}

func schemaWith(props map[string]spec.Schema, required ...string) spec.Schema {
	return spec.Schema{SchemaProps: spec.SchemaProps{
		Type:       spec.StringOrArray{"object"},
		Properties: props,
		Required:   required,
	}}
}
