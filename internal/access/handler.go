package access

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/partsbay/partsbay/internal/platform/httpx"
	"github.com/partsbay/partsbay/internal/shared"
)

// AdminCapability guards the access endpoints: read for checks, update for mutations.
const AdminCapability = "access_admin"

var errorMappings = []httpx.ErrorMapping{
	{Target: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Target: ErrValidation, Status: http.StatusBadRequest, Title: "Validation Failed"},
	{Target: ErrInvalidAction, Status: http.StatusBadRequest, Title: "Invalid Action"},
	{Target: ErrSystemRole, Status: http.StatusConflict, Title: "System Role"},
	{Target: ErrRoleInUse, Status: http.StatusConflict, Title: "Role In Use"},
	{Target: ErrDuplicate, Status: http.StatusConflict, Title: "Duplicate"},
}

// Handler exposes the access service and administration over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	admin    *Admin
	guard    Middleware
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, admin *Admin, guard Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, admin: admin, guard: guard, validate: validator.New()}
}

// MountRoutes registers access routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireCapability(AdminCapability, ActionRead))
		r.Post("/check", h.check)
		r.Get("/principals/{id}/permissions", h.effective)
		r.Get("/principals/{id}/features/{code}", h.feature)
		r.Get("/principals/{id}/modules/{key}", h.module)
		r.Get("/roles", h.listRoles)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireCapability(AdminCapability, ActionUpdate))
		r.Put("/roles", h.saveRole)
		r.Delete("/roles/{code}", h.deleteRole)
		r.Put("/roles/{code}/grants", h.setRoleGrant)
		r.Delete("/roles/{code}/grants/{capability}", h.revokeRoleGrant)
		r.Put("/groups/{code}/grants", h.setGroupGrant)
		r.Delete("/groups/{code}/grants/{capability}", h.revokeGroupGrant)
		r.Post("/principals/{id}/roles", h.assignRole)
		r.Delete("/principals/{id}/roles/{role}", h.revokeRole)
		r.Post("/principals/{id}/groups", h.assignGroup)
		r.Delete("/principals/{id}/groups/{group}", h.revokeGroup)
		r.Put("/principals/{id}/overrides", h.setOverride)
		r.Delete("/principals/{id}/overrides/{capability}", h.revokeOverride)
		r.Put("/capabilities", h.saveCapability)
		r.Put("/features", h.saveFeature)
		r.Put("/modules", h.saveModule)
	})
}

type checkResponse struct {
	Allowed bool `json:"allowed"`
	Decision
}

type permissionsResponse struct {
	PrincipalID int64                 `json:"principal_id"`
	Permissions []EffectivePermission `json:"permissions"`
}

type assignmentRequest struct {
	Code string `json:"code" validate:"required"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	action, err := ParseAction(string(req.Action))
	if err != nil {
		h.fail(w, err)
		return
	}
	req.Action = action
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	d, err := h.service.Decide(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, checkResponse{Allowed: d.Allowed(), Decision: d})
}

func (h *Handler) effective(w http.ResponseWriter, r *http.Request) {
	id, ok := h.principalParam(w, r)
	if !ok {
		return
	}
	perms, err := h.service.Effective(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, permissionsResponse{PrincipalID: id, Permissions: perms.List()})
}

func (h *Handler) feature(w http.ResponseWriter, r *http.Request) {
	id, ok := h.principalParam(w, r)
	if !ok {
		return
	}
	d, err := h.service.Feature(r.Context(), id, chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, checkResponse{Allowed: d.Allowed(), Decision: d})
}

func (h *Handler) module(w http.ResponseWriter, r *http.Request) {
	id, ok := h.principalParam(w, r)
	if !ok {
		return
	}
	d, err := h.service.Module(r.Context(), id, chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, checkResponse{Allowed: d.Allowed(), Decision: d})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.admin.ListRoles(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) saveRole(w http.ResponseWriter, r *http.Request) {
	var in RoleInput
	if !h.decode(w, r, &in) {
		return
	}
	role, err := h.admin.SaveRole(r.Context(), actor(r), in)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.DeleteRole(r.Context(), actor(r), chi.URLParam(r, "code")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setRoleGrant(w http.ResponseWriter, r *http.Request) {
	var in RoleGrantInput
	if !h.decode(w, r, &in) {
		return
	}
	in.RoleCode = chi.URLParam(r, "code")
	if err := h.admin.SetRoleGrant(r.Context(), actor(r), in); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeRoleGrant(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.RevokeRoleGrant(r.Context(), actor(r), chi.URLParam(r, "code"), chi.URLParam(r, "capability")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setGroupGrant(w http.ResponseWriter, r *http.Request) {
	var in GroupGrantInput
	if !h.decode(w, r, &in) {
		return
	}
	in.GroupCode = chi.URLParam(r, "code")
	if err := h.admin.SetGroupGrant(r.Context(), actor(r), in); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeGroupGrant(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.RevokeGroupGrant(r.Context(), actor(r), chi.URLParam(r, "code"), chi.URLParam(r, "capability")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.principalParam(w, r)
	if !ok {
		return
	}
	var in assignmentRequest
	if !h.decode(w, r, &in) {
		return
	}
	if err := h.admin.AssignRole(r.Context(), actor(r), id, in.Code); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.principalParam(w, r)
	if !ok {
		return
	}
	if err := h.admin.RevokeRole(r.Context(), actor(r), id, chi.URLParam(r, "role")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := h.principalParam(w, r)
	if !ok {
		return
	}
	var in assignmentRequest
	if !h.decode(w, r, &in) {
		return
	}
	if err := h.admin.AssignGroup(r.Context(), actor(r), id, in.Code); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := h.principalParam(w, r)
	if !ok {
		return
	}
	if err := h.admin.RevokeGroup(r.Context(), actor(r), id, chi.URLParam(r, "group")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := h.principalParam(w, r)
	if !ok {
		return
	}
	var in OverrideInput
	if !h.decode(w, r, &in) {
		return
	}
	in.PrincipalID = id
	if err := h.admin.SetOverride(r.Context(), actor(r), in); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := h.principalParam(w, r)
	if !ok {
		return
	}
	if err := h.admin.RevokeOverride(r.Context(), actor(r), id, chi.URLParam(r, "capability")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) saveCapability(w http.ResponseWriter, r *http.Request) {
	var in CapabilityInput
	if !h.decode(w, r, &in) {
		return
	}
	if err := h.admin.SaveCapability(r.Context(), actor(r), in); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) saveFeature(w http.ResponseWriter, r *http.Request) {
	var in FeatureInput
	if !h.decode(w, r, &in) {
		return
	}
	if err := h.admin.SaveFeature(r.Context(), actor(r), in); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) saveModule(w http.ResponseWriter, r *http.Request) {
	var in ModuleInput
	if !h.decode(w, r, &in) {
		return
	}
	if err := h.admin.SaveModule(r.Context(), actor(r), in); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return false
	}
	return true
}

func (h *Handler) principalParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Principal", "principal id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	known := false
	for _, m := range errorMappings {
		if errors.Is(err, m.Target) {
			known = true
			break
		}
	}
	if !known {
		h.logger.Error("access handler", slog.Any("error", err))
	}
	httpx.RespondError(w, err, errorMappings...)
}

func actor(r *http.Request) int64 {
	id, _ := shared.PrincipalFromContext(r.Context())
	return id
}
