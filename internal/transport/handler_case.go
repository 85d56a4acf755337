package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/casedesk/internal/audit"
	"github.com/pitabwire/casedesk/internal/definition"
	"github.com/pitabwire/casedesk/internal/review"
	"github.com/pitabwire/casedesk/internal/session"
	"github.com/pitabwire/casedesk/model"
)

const maxBodyBytes = 1 << 20

// WorkflowResponse describes the active workflow definition.
type WorkflowResponse struct {
	Name           string              `json:"name"`
	StageOrder     []string            `json:"stage_order"`
	CriticalStages []string            `json:"critical_stages"`
	Dependencies   map[string][]string `json:"dependencies,omitempty"`
	Checksum       string              `json:"checksum"`
}

// AuditResponse combines casedesk's own audit entries with the record's
// audit trail.
type AuditResponse struct {
	ApplicationID string              `json:"application_id"`
	Entries       []model.AuditEntry  `json:"entries"`
	Record        []model.AuditRecord `json:"record"`
}

// ReferenceResponse lists the choices offered by review actions.
type ReferenceResponse struct {
	SeniorReviewers []model.Reviewer     `json:"senior_reviewers"`
	Documents       []model.DocumentType `json:"documents"`
}

type completeBody struct {
	Notes     string `json:"admin_notes"`
	Confirmed bool   `json:"confirmed"`
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// unchanged.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

// stageParam returns the unescaped stage name; stage names contain spaces.
func stageParam(r *http.Request) string {
	raw := chi.URLParam(r, "stage")
	if s, err := url.PathUnescape(raw); err == nil {
		return s
	}
	return raw
}

func requireRequestContext(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("Authentication required"))
		return nil, false
	}
	return rctx, true
}

func handleWorkflow(reg *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def := reg.Current()
		WriteJSON(w, http.StatusOK, WorkflowResponse{
			Name:           def.Name,
			StageOrder:     def.StageOrder,
			CriticalStages: def.CriticalStages,
			Dependencies:   def.Dependencies,
			Checksum:       reg.Checksum(),
		})
	}
}

func handleCase(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := sessions.Session(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, sess.View())
	}
}

func handleAudit(sessions *session.Manager, store audit.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sess, err := sessions.Session(r.Context(), id)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		entries, err := store.List(r.Context(), id)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}

		resp := AuditResponse{
			ApplicationID: id,
			Entries:       entries,
			Record:        []model.AuditRecord{},
		}
		if resp.Entries == nil {
			resp.Entries = []model.AuditEntry{}
		}
		if app, ok := sess.Application(); ok && app.AuditTrail != nil {
			resp.Record = app.AuditTrail
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func handleValidate(completer *review.Completer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := completer.Validate(r.Context(), chi.URLParam(r, "id"), stageParam(r))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, d)
	}
}

func handleComplete(completer *review.Completer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireRequestContext(w, r)
		if !ok {
			return
		}
		var body completeBody
		if err := decodeBody(r, &body); err != nil {
			writeRequestError(w, r, err)
			return
		}

		res, err := completer.Prepare(r.Context(), rctx.Actor(), review.PrepareRequest{
			ApplicationID: chi.URLParam(r, "id"),
			StepName:      stageParam(r),
			Notes:         body.Notes,
			Confirmed:     body.Confirmed,
		})
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		writeCompletion(w, res)
	}
}

func handleConfirm(completer *review.Completer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireRequestContext(w, r)
		if !ok {
			return
		}
		res, err := completer.Confirm(r.Context(), rctx.Actor(), chi.URLParam(r, "token"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		writeCompletion(w, res)
	}
}

// writeCompletion answers 202 when the completion waits for confirmation.
func writeCompletion(w http.ResponseWriter, res *review.CompletionResult) {
	status := http.StatusOK
	if !res.Completed {
		status = http.StatusAccepted
	}
	WriteJSON(w, status, res)
}

func handleReview(reviewer *review.Reviewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireRequestContext(w, r)
		if !ok {
			return
		}
		var req review.ActionRequest
		if err := decodeBody(r, &req); err != nil {
			writeRequestError(w, r, err)
			return
		}
		req.ApplicationID = chi.URLParam(r, "id")

		if req.Action == model.ActionEscalate && !CapabilitiesFrom(r.Context()).Has(model.CapCasesEscalate) {
			WriteForbidden(w, "Missing capability "+model.CapCasesEscalate)
			return
		}

		res, err := reviewer.Submit(r.Context(), rctx.Actor(), req)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleReference(reviewer *review.Reviewer) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, ReferenceResponse{
			SeniorReviewers: reviewer.SeniorReviewers(),
			Documents:       reviewer.Documents(),
		})
	}
}
