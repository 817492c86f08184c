// Package httpapi exposes the versioning service as a JSON HTTP API.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/polver/polver/core/infra/locks"
	"github.com/polver/polver/core/infra/logging"
	"github.com/polver/polver/core/policy/value"
	"github.com/polver/polver/core/versioning"
	"github.com/polver/polver/core/versioning/merge"
	"github.com/polver/polver/core/versioning/semver"
	"github.com/polver/polver/core/versioning/store"
	"github.com/polver/polver/core/versioning/workflow"
)

const maxBodyBytes = 2 << 20

// API serves the versioning operations over HTTP.
type API struct {
	svc *versioning.Service
}

func New(svc *versioning.Service) *API {
	return &API{svc: svc}
}

// Register mounts all routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/policies/{policyID}/versions", a.createVersion)
	mux.HandleFunc("GET /v1/policies/{policyID}/versions", a.listVersions)
	mux.HandleFunc("GET /v1/policies/{policyID}/versions/{version}", a.getVersion)
	mux.HandleFunc("GET /v1/policies/{policyID}/diff", a.getDiff)
	mux.HandleFunc("GET /v1/policies/{policyID}/branches", a.listBranches)
	mux.HandleFunc("GET /v1/policies/{policyID}/compare", a.compareBranches)
	mux.HandleFunc("POST /v1/policies/{policyID}/promote", a.promote)
	mux.HandleFunc("POST /v1/policies/{policyID}/rollback", a.rollback)
	mux.HandleFunc("POST /v1/policies/{policyID}/tags", a.createTag)
	mux.HandleFunc("GET /v1/policies/{policyID}/tags", a.listTags)
	mux.HandleFunc("POST /v1/policies/{policyID}/approvals", a.requestApproval)
	mux.HandleFunc("GET /v1/policies/{policyID}/approvals", a.listApprovals)
	mux.HandleFunc("POST /v1/approvals/{approvalID}/approve", a.approve)
	mux.HandleFunc("POST /v1/approvals/{approvalID}/reject", a.reject)
	mux.HandleFunc("POST /v1/approvals/{approvalID}/cancel", a.cancelApproval)
	mux.HandleFunc("GET /v1/policies/{policyID}/promotions", a.listPromotions)
	mux.HandleFunc("GET /v1/policies/{policyID}/rollbacks", a.listRollbacks)
}

type createVersionBody struct {
	Branch         string            `json:"branch,omitempty"`
	Version        string            `json:"version,omitempty"`
	Bump           string            `json:"bump,omitempty"`
	Content        json.RawMessage   `json:"content"`
	Message        string            `json:"message,omitempty"`
	Author         string            `json:"author,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	SkipValidation bool              `json:"skipValidation,omitempty"`
}

func (a *API) createVersion(w http.ResponseWriter, r *http.Request) {
	var body createVersionBody
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Content) == 0 {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}
	content, err := value.FromJSON(body.Content)
	if err != nil {
		writeError(w, http.StatusBadRequest, "content: "+err.Error())
		return
	}
	commit, err := a.svc.CreateVersion(r.Context(), versioning.CreateVersionRequest{
		PolicyID:       r.PathValue("policyID"),
		Branch:         body.Branch,
		Version:        body.Version,
		Bump:           semver.Part(body.Bump),
		Content:        content,
		Message:        body.Message,
		Author:         body.Author,
		Metadata:       body.Metadata,
		SkipValidation: body.SkipValidation,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, commit)
}

func (a *API) listVersions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOptions{
		Branch:         q.Get("branch"),
		ByVersion:      q.Get("order") == "version",
		IncludeDeleted: q.Get("includeDeleted") == "true",
		Limit:          intParam(q.Get("limit")),
		Offset:         intParam(q.Get("offset")),
	}
	commits, err := a.svc.ListVersions(r.Context(), r.PathValue("policyID"), opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

func (a *API) getVersion(w http.ResponseWriter, r *http.Request) {
	commit, err := a.svc.GetVersion(r.Context(), r.PathValue("policyID"), r.PathValue("version"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commit)
}

func (a *API) getDiff(w http.ResponseWriter, r *http.Request) {
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from == "" || to == "" {
		writeError(w, http.StatusBadRequest, "from and to query parameters required")
		return
	}
	d, err := a.svc.GetVersionDiff(r.Context(), r.PathValue("policyID"), from, to)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) listBranches(w http.ResponseWriter, r *http.Request) {
	infos, err := a.svc.ListBranches(r.Context(), r.PathValue("policyID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (a *API) compareBranches(w http.ResponseWriter, r *http.Request) {
	source, target := r.URL.Query().Get("source"), r.URL.Query().Get("target")
	if source == "" || target == "" {
		writeError(w, http.StatusBadRequest, "source and target query parameters required")
		return
	}
	cmp, err := a.svc.CompareBranches(r.Context(), r.PathValue("policyID"), source, target)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

type promoteBody struct {
	SourceBranch   string                     `json:"sourceBranch"`
	TargetBranch   string                     `json:"targetBranch"`
	SourceVersion  string                     `json:"sourceVersion,omitempty"`
	InitiatedBy    string                     `json:"initiatedBy,omitempty"`
	Message        string                     `json:"message,omitempty"`
	Strategy       string                     `json:"strategy,omitempty"`
	Resolutions    map[string]json.RawMessage `json:"resolutions,omitempty"`
	ApprovalID     string                     `json:"approvalId,omitempty"`
	SkipValidation bool                       `json:"skipValidation,omitempty"`
}

func (a *API) promote(w http.ResponseWriter, r *http.Request) {
	var body promoteBody
	if !decodeBody(w, r, &body) {
		return
	}
	var resolutions map[string]*value.Value
	if len(body.Resolutions) > 0 {
		resolutions = make(map[string]*value.Value, len(body.Resolutions))
		for path, raw := range body.Resolutions {
			v, err := value.FromJSON(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "resolution "+path+": "+err.Error())
				return
			}
			resolutions[path] = v
		}
	}
	res, err := a.svc.PromoteVersion(r.Context(), workflow.PromoteRequest{
		PolicyID:       r.PathValue("policyID"),
		SourceBranch:   body.SourceBranch,
		TargetBranch:   body.TargetBranch,
		SourceVersion:  body.SourceVersion,
		InitiatedBy:    body.InitiatedBy,
		Message:        body.Message,
		Strategy:       merge.Strategy(body.Strategy),
		Resolutions:    resolutions,
		ApprovalID:     body.ApprovalID,
		SkipValidation: body.SkipValidation,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type rollbackBody struct {
	Branch         string `json:"branch"`
	TargetVersion  string `json:"targetVersion"`
	InitiatedBy    string `json:"initiatedBy,omitempty"`
	Message        string `json:"message,omitempty"`
	DryRun         bool   `json:"dryRun,omitempty"`
	SkipValidation bool   `json:"skipValidation,omitempty"`
}

func (a *API) rollback(w http.ResponseWriter, r *http.Request) {
	var body rollbackBody
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := a.svc.RollbackToVersion(r.Context(), workflow.RollbackRequest{
		PolicyID:       r.PathValue("policyID"),
		Branch:         body.Branch,
		TargetVersion:  body.TargetVersion,
		InitiatedBy:    body.InitiatedBy,
		Message:        body.Message,
		DryRun:         body.DryRun,
		SkipValidation: body.SkipValidation,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type tagBody struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Annotation string `json:"annotation,omitempty"`
	CreatedBy  string `json:"createdBy,omitempty"`
}

func (a *API) createTag(w http.ResponseWriter, r *http.Request) {
	var body tagBody
	if !decodeBody(w, r, &body) {
		return
	}
	tag, err := a.svc.CreateTag(r.Context(), r.PathValue("policyID"), body.Name, body.Version, body.Annotation, body.CreatedBy)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tag)
}

func (a *API) listTags(w http.ResponseWriter, r *http.Request) {
	tags, err := a.svc.ListTags(r.Context(), r.PathValue("policyID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

type approvalBody struct {
	SourceBranch  string `json:"sourceBranch"`
	TargetBranch  string `json:"targetBranch"`
	SourceVersion string `json:"sourceVersion,omitempty"`
	RequestedBy   string `json:"requestedBy,omitempty"`
	Reviewer      string `json:"reviewer,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (a *API) requestApproval(w http.ResponseWriter, r *http.Request) {
	var body approvalBody
	if !decodeBody(w, r, &body) {
		return
	}
	approval, err := a.svc.RequestApproval(r.Context(), r.PathValue("policyID"), body.SourceBranch, body.TargetBranch, body.SourceVersion, body.RequestedBy)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, approval)
}

func (a *API) listApprovals(w http.ResponseWriter, r *http.Request) {
	status := store.ApprovalStatus(r.URL.Query().Get("status"))
	approvals, err := a.svc.ListApprovals(r.Context(), r.PathValue("policyID"), status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approvals)
}

func (a *API) approve(w http.ResponseWriter, r *http.Request) {
	var body approvalBody
	if !decodeBody(w, r, &body) {
		return
	}
	approval, err := a.svc.Approve(r.Context(), r.PathValue("approvalID"), body.Reviewer)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

func (a *API) reject(w http.ResponseWriter, r *http.Request) {
	var body approvalBody
	if !decodeBody(w, r, &body) {
		return
	}
	approval, err := a.svc.RejectApproval(r.Context(), r.PathValue("approvalID"), body.Reviewer, body.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

func (a *API) cancelApproval(w http.ResponseWriter, r *http.Request) {
	var body approvalBody
	if !decodeBody(w, r, &body) {
		return
	}
	approval, err := a.svc.CancelApproval(r.Context(), r.PathValue("approvalID"), body.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

func (a *API) listPromotions(w http.ResponseWriter, r *http.Request) {
	records, err := a.svc.PromotionHistory(r.Context(), r.PathValue("policyID"), intParam(r.URL.Query().Get("limit")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *API) listRollbacks(w http.ResponseWriter, r *http.Request) {
	records, err := a.svc.RollbackHistory(r.Context(), r.PathValue("policyID"), intParam(r.URL.Query().Get("limit")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func intParam(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeServiceError maps domain errors onto HTTP statuses, keeping the
// structured payloads of validation and conflict failures.
func writeServiceError(w http.ResponseWriter, err error) {
	var ve *workflow.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "validation failed",
			"validation": ve,
		})
		return
	}
	var ce *merge.ConflictError
	if errors.As(err, &ce) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":          "merge conflicts",
			"commonAncestor": ce.CommonAncestor,
			"conflicts":      ce.Conflicts,
		})
		return
	}

	switch {
	case errors.Is(err, store.ErrPolicyNotFound),
		errors.Is(err, store.ErrVersionNotFound),
		errors.Is(err, store.ErrCommitNotFound),
		errors.Is(err, store.ErrTagNotFound),
		errors.Is(err, store.ErrApprovalNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrTagExists),
		errors.Is(err, store.ErrDuplicateCommit),
		errors.Is(err, store.ErrApprovalClosed),
		errors.Is(err, workflow.ErrAlreadyAtVersion):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrConcurrentModification),
		errors.Is(err, locks.ErrLockHeld):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, workflow.ErrInvalidPromotionPath):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, workflow.ErrApprovalRequired):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, merge.ErrUnrelatedHistories):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logging.Error("httpapi", "internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Warn("httpapi", "encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
