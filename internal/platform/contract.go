package platform

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/casedesk/model"
)

// Operation ids of the platform calls casedesk makes.
const (
	OpGetApplication   = "getApplication"
	OpListApplications = "listApplications"
	OpListClaims       = "listClaims"
	OpSubmitReview     = "submitReview"
	OpCompleteStep     = "completeStep"
)

// RequiredOperations lists every operation a platform contract must define.
var RequiredOperations = []string{
	OpGetApplication,
	OpListApplications,
	OpListClaims,
	OpSubmitReview,
	OpCompleteStep,
}

// Operation is one resolved platform endpoint.
type Operation struct {
	ID           string
	Method       string
	PathTemplate string
	// RequiredBody lists the JSON body properties the contract marks required.
	RequiredBody []string
}

// Contract maps operation ids to platform endpoints.
type Contract struct {
	ops    map[string]Operation
	source string
}

// DefaultContract returns the endpoints of the standard platform API.
func DefaultContract() *Contract {
	return &Contract{
		source: "builtin",
		ops: map[string]Operation{
			OpGetApplication:   {ID: OpGetApplication, Method: http.MethodGet, PathTemplate: "/agent/application/{id}"},
			OpListApplications: {ID: OpListApplications, Method: http.MethodGet, PathTemplate: "/agent/applications"},
			OpListClaims:       {ID: OpListClaims, Method: http.MethodGet, PathTemplate: "/claims/all-applications"},
			OpSubmitReview: {
				ID: OpSubmitReview, Method: http.MethodPost, PathTemplate: "/agent/review",
				RequiredBody: []string{"application_id", "action"},
			},
			OpCompleteStep: {
				ID: OpCompleteStep, Method: http.MethodPost, PathTemplate: "/agent/step/complete",
				RequiredBody: []string{"application_id", "step_name", "admin_notes"},
			},
		},
	}
}

// LoadContract indexes an OpenAPI document of the platform by operation id.
// Every operation in RequiredOperations must be present.
func LoadContract(ctx context.Context, path string) (*Contract, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("platform: loading contract %s: %w", path, err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("platform: validating contract %s: %w", path, err)
	}

	c := &Contract{ops: make(map[string]Operation), source: path}
	for tmpl, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			c.ops[op.OperationID] = Operation{
				ID:           op.OperationID,
				Method:       strings.ToUpper(method),
				PathTemplate: tmpl,
				RequiredBody: requiredBodyFields(op),
			}
		}
	}

	var missing []string
	for _, id := range RequiredOperations {
		if _, ok := c.ops[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("platform: contract %s is missing operations: %s", path, strings.Join(missing, ", "))
	}

	return c, nil
}

func requiredBodyFields(op *openapi3.Operation) []string {
	if op.RequestBody == nil || op.RequestBody.Value == nil {
		return nil
	}
	mt := op.RequestBody.Value.Content.Get("application/json")
	if mt == nil || mt.Schema == nil || mt.Schema.Value == nil {
		return nil
	}
	return append([]string(nil), mt.Schema.Value.Required...)
}

// Operation returns the endpoint for id.
func (c *Contract) Operation(id string) (Operation, bool) {
	op, ok := c.ops[id]
	return op, ok
}

// OperationIDs returns every indexed operation id, sorted.
func (c *Contract) OperationIDs() []string {
	ids := make([]string, 0, len(c.ops))
	for id := range c.ops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Source names where the contract came from.
func (c *Contract) Source() string {
	return c.source
}

// CheckBody reports required properties missing from body.
func (c *Contract) CheckBody(id string, body map[string]any) []model.FieldError {
	op, ok := c.ops[id]
	if !ok {
		return nil
	}
	var errs []model.FieldError
	for _, field := range op.RequiredBody {
		v, exists := body[field]
		if s, isString := v.(string); !exists || v == nil || (isString && strings.TrimSpace(s) == "") {
			errs = append(errs, model.FieldError{
				Field:   field,
				Code:    "REQUIRED",
				Message: fmt.Sprintf("%s is required", field),
			})
		}
	}
	return errs
}

// BuildPath fills the path template's placeholders with values in order.
func (op Operation) BuildPath(escape func(string) string, values ...string) string {
	path := op.PathTemplate
	for _, v := range values {
		start := strings.IndexByte(path, '{')
		end := strings.IndexByte(path, '}')
		if start < 0 || end < start {
			break
		}
		path = path[:start] + escape(v) + path[end+1:]
	}
	return path
}
