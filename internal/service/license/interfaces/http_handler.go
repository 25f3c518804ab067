// internal/service/license/interfaces/http_handler.go
package interfaces

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"sankey/internal/pkg/logger"
	"sankey/internal/service/license/application"
	"sankey/internal/service/license/domain"
)

// LicenseHandler 封装了授权服务的 HTTP 处理器
type LicenseHandler struct {
	service *application.ApplicationService
	retry   *application.RetryService
}

// NewLicenseHandler 创建一个新的 HTTP 处理器实例
func NewLicenseHandler(service *application.ApplicationService, retry *application.RetryService) *LicenseHandler {
	return &LicenseHandler{service: service, retry: retry}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *LicenseHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/applications", h.applicationsHandler)
	mux.HandleFunc("/applications/history", h.historyHandler)
	mux.HandleFunc("/applications/approve", h.actionHandler(h.approve))
	mux.HandleFunc("/applications/notify", h.actionHandler(h.notify))
	mux.HandleFunc("/applications/reject", h.actionHandler(h.reject))
	mux.HandleFunc("/applications/cancel", h.actionHandler(h.cancel))
	mux.HandleFunc("/applications/revoke", h.actionHandler(h.revoke))
	mux.HandleFunc("/applications/expire", h.actionHandler(h.expire))
	mux.HandleFunc("/applications/correct", h.actionHandler(h.correct))

	mux.HandleFunc("/retry", h.retryHandler)
	mux.HandleFunc("/retry/batch", h.batchRetryHandler)
	mux.HandleFunc("/failures/stats", h.failureStatsHandler)
	mux.HandleFunc("/failures/report", h.failureReportHandler)
}

// extractCtx 从入站请求里恢复追踪上下文
func extractCtx(r *http.Request) *http.Request {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return r.WithContext(ctx)
}

func (h *LicenseHandler) applicationsHandler(w http.ResponseWriter, r *http.Request) {
	r = extractCtx(r)
	switch r.Method {
	case http.MethodPost:
		h.createApplication(w, r)
	case http.MethodGet:
		h.getApplications(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *LicenseHandler) createApplication(w http.ResponseWriter, r *http.Request) {
	var req application.CreateApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	app, err := h.service.Create(r.Context(), domain.NewApplicationInput{
		OwnerID:       req.OwnerID,
		Broker:        req.Broker,
		AccountNumber: req.AccountNumber,
		EAName:        req.EAName,
		Email:         req.Email,
	})
	if err != nil && !isAuditOnly(err) {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, application.NewApplicationView(app))
}

func (h *LicenseHandler) getApplications(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("ownerId")
	if ownerID == "" {
		http.Error(w, "ownerId is required", http.StatusBadRequest)
		return
	}

	if rawKey := r.URL.Query().Get("recordKey"); rawKey != "" {
		recordKey, err := url.PathUnescape(rawKey)
		if err != nil {
			http.Error(w, "invalid recordKey encoding", http.StatusBadRequest)
			return
		}
		app, err := h.service.Get(r.Context(), ownerID, recordKey)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, application.NewApplicationView(app))
		return
	}

	status := domain.ApplicationStatus(r.URL.Query().Get("status"))
	if status == "" {
		http.Error(w, "recordKey or status is required", http.StatusBadRequest)
		return
	}
	apps, err := h.service.QueryByStatus(r.Context(), ownerID, status)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	views := make([]application.ApplicationView, 0, len(apps))
	for _, app := range apps {
		views = append(views, application.NewApplicationView(app))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *LicenseHandler) historyHandler(w http.ResponseWriter, r *http.Request) {
	r = extractCtx(r)
	ownerID := r.URL.Query().Get("ownerId")
	recordKey, err := url.PathUnescape(r.URL.Query().Get("recordKey"))
	if ownerID == "" || recordKey == "" || err != nil {
		http.Error(w, "ownerId and recordKey are required", http.StatusBadRequest)
		return
	}
	entries, queryErr := h.service.QueryHistory(r.Context(), ownerID, recordKey)
	if queryErr != nil {
		writeDomainError(w, r, queryErr)
		return
	}
	views := make([]application.HistoryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, application.NewHistoryView(entry))
	}
	writeJSON(w, http.StatusOK, views)
}

// actionRequest 是所有状态动作共享的请求体
type actionRequest struct {
	OwnerID   string `json:"ownerId"`
	RecordKey string `json:"recordKey"`
	ChangedBy string `json:"changedBy"`
	Reason    string `json:"reason,omitempty"`
	ToStatus  string `json:"toStatus,omitempty"` // 仅人工纠错使用
}

type actionFunc func(r *http.Request, req actionRequest) (*domain.Application, error)

func (h *LicenseHandler) actionHandler(action actionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r = extractCtx(r)
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req actionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.OwnerID == "" || req.RecordKey == "" {
			http.Error(w, "ownerId and recordKey are required", http.StatusBadRequest)
			return
		}
		if req.ChangedBy == "" {
			req.ChangedBy = domain.SystemActor
		}

		app, err := action(r, req)
		if err != nil && !isAuditOnly(err) {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, application.NewApplicationView(app))
	}
}

func (h *LicenseHandler) approve(r *http.Request, req actionRequest) (*domain.Application, error) {
	return h.service.Approve(r.Context(), req.OwnerID, req.RecordKey, req.ChangedBy)
}

func (h *LicenseHandler) notify(r *http.Request, req actionRequest) (*domain.Application, error) {
	return h.service.EnqueueNotification(r.Context(), req.OwnerID, req.RecordKey, req.ChangedBy)
}

func (h *LicenseHandler) reject(r *http.Request, req actionRequest) (*domain.Application, error) {
	return h.service.Reject(r.Context(), req.OwnerID, req.RecordKey, req.ChangedBy, req.Reason)
}

func (h *LicenseHandler) cancel(r *http.Request, req actionRequest) (*domain.Application, error) {
	return h.service.Cancel(r.Context(), req.OwnerID, req.RecordKey, req.ChangedBy, req.Reason)
}

func (h *LicenseHandler) revoke(r *http.Request, req actionRequest) (*domain.Application, error) {
	return h.service.Revoke(r.Context(), req.OwnerID, req.RecordKey, req.ChangedBy, req.Reason)
}

func (h *LicenseHandler) expire(r *http.Request, req actionRequest) (*domain.Application, error) {
	return h.service.Expire(r.Context(), req.OwnerID, req.RecordKey)
}

func (h *LicenseHandler) correct(r *http.Request, req actionRequest) (*domain.Application, error) {
	return h.service.AdminCorrectStatus(r.Context(), req.OwnerID, req.RecordKey,
		domain.ApplicationStatus(req.ToStatus), req.ChangedBy, req.Reason)
}

type retryRequest struct {
	OwnerID   string `json:"ownerId"`
	RecordKey string `json:"recordKey"`
	Force     bool   `json:"force,omitempty"`
	ChangedBy string `json:"changedBy"`
	Limit     int    `json:"limit,omitempty"` // 仅批量重试使用
}

func (h *LicenseHandler) retryHandler(w http.ResponseWriter, r *http.Request) {
	r = extractCtx(r)
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" || req.RecordKey == "" {
		http.Error(w, "ownerId and recordKey are required", http.StatusBadRequest)
		return
	}
	if req.ChangedBy == "" {
		req.ChangedBy = domain.SystemActor
	}
	app, err := h.retry.Retry(r.Context(), req.OwnerID, req.RecordKey, req.Force, req.ChangedBy)
	if err != nil && !isAuditOnly(err) {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, application.NewApplicationView(app))
}

func (h *LicenseHandler) batchRetryHandler(w http.ResponseWriter, r *http.Request) {
	r = extractCtx(r)
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ChangedBy == "" {
		req.ChangedBy = domain.SystemActor
	}
	result, err := h.retry.BatchRetry(r.Context(), req.OwnerID, req.Limit, req.Force, req.ChangedBy)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *LicenseHandler) failureStatsHandler(w http.ResponseWriter, r *http.Request) {
	r = extractCtx(r)
	stats, err := h.retry.FailureStats(r.Context(), r.URL.Query().Get("ownerId"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *LicenseHandler) failureReportHandler(w http.ResponseWriter, r *http.Request) {
	r = extractCtx(r)
	report, err := h.retry.BuildFailureReport(r.Context(), r.URL.Query().Get("ownerId"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// isAuditOnly 判断错误是否只是审计缺口：业务操作本身已成功，
// 对调用方仍按成功返回，缺口由日志和告警兜底。
func isAuditOnly(err error) bool {
	var auditErr *domain.HistoryAuditError
	return errors.As(err, &auditErr)
}

// writeDomainError 把领域错误映射成 HTTP 状态码
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var invalidTransition *domain.InvalidTransitionError
	var invalidState *domain.InvalidStateError
	var retryLimit *domain.RetryLimitExceededError

	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateActiveLicense):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrStorageConflict):
		status = http.StatusConflict
	case errors.As(err, &invalidTransition), errors.As(err, &invalidState):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &retryLimit):
		status = http.StatusTooManyRequests
	}

	if status == http.StatusInternalServerError {
		logger.Ctx(r.Context()).Error().Err(err).
			Str("path", r.URL.Path).
			Msg("🛑 Request failed with internal error.")
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "status": strconv.Itoa(status)})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
