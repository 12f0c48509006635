package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	api "github.com/mohitkumar/approvy/api/v1"
	"github.com/mohitkumar/approvy/logger"
	"github.com/mohitkumar/approvy/metadata"
	"github.com/mohitkumar/approvy/persistence"
	"github.com/mohitkumar/approvy/rule"
	"github.com/mohitkumar/approvy/tenant"
	"github.com/mohitkumar/approvy/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

const (
	HEADER_TENANT      = "X-Tenant-Id"
	HEADER_ACTOR       = "X-Actor-Id"
	HEADER_ROLES       = "X-Actor-Roles"
	HEADER_CORRELATION = "X-Correlation-Id"
)

type Server struct {
	http.Server
	Port            int
	metadataService metadata.MetadataService
	rules           *rule.Engine
	workflows       *workflow.Service
	entities        persistence.EntityStore
}

func NewServer(httpPort int, metadataService metadata.MetadataService, rules *rule.Engine, workflows *workflow.Service, entities persistence.EntityStore) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr:        fmt.Sprintf(":%d", httpPort),
			IdleTimeout: 2 * time.Second,
		},
		metadataService: metadataService,
		rules:           rules,
		workflows:       workflows,
		entities:        entities,
		Port:            httpPort,
	}

	router := mux.NewRouter()
	router.HandleFunc("/templates", s.HandlePublishTemplate).Methods(http.MethodPost)
	router.HandleFunc("/templates", s.HandleListTemplates).Methods(http.MethodGet)
	router.HandleFunc("/templates/validate", s.HandleValidateTemplate).Methods(http.MethodPost)
	router.HandleFunc("/templates/test", s.HandleTestTemplate).Methods(http.MethodPost)
	router.HandleFunc("/templates/{id}", s.HandleGetTemplate).Methods(http.MethodGet)
	router.HandleFunc("/templates/{id}/versions/{version:[0-9]+}", s.HandleGetTemplate).Methods(http.MethodGet)

	router.HandleFunc("/workflows", s.HandleSubmit).Methods(http.MethodPost)
	router.HandleFunc("/workflows/{id}", s.HandleGetWorkflow).Methods(http.MethodGet)
	router.HandleFunc("/workflows/{id}/cancel", s.HandleCancel).Methods(http.MethodPost)

	router.HandleFunc("/tasks/{id}/action", s.HandleTaskAction).Methods(http.MethodPost)
	router.HandleFunc("/tasks/{id}/reassign", s.HandleReassign).Methods(http.MethodPost)

	router.HandleFunc("/entities/{type}/{id}/status", s.HandleEntityStatus).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondOKWithoutBody(w)
	}).Methods(http.MethodGet)

	router.Use(loggingMiddleware, tenantMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("http request", zap.String("method", r.Method), zap.String("uri", r.RequestURI))
		next.ServeHTTP(w, r)
	})
}

// tenantMiddleware attaches the caller identity from the request headers.
// Requests without a tenant header carry no identity.
func tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantId := r.Header.Get(HEADER_TENANT)
		if tenantId == "" {
			next.ServeHTTP(w, r)
			return
		}
		tc := tenant.Context{
			TenantId:      tenantId,
			ActorId:       r.Header.Get(HEADER_ACTOR),
			CorrelationId: r.Header.Get(HEADER_CORRELATION),
		}
		for _, role := range strings.Split(r.Header.Get(HEADER_ROLES), ",") {
			if role = strings.TrimSpace(role); role != "" {
				tc.Roles = append(tc.Roles, role)
			}
		}
		next.ServeHTTP(w, r.WithContext(tenant.With(r.Context(), tc)))
	})
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return api.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.FailedPrecondition:
		return http.StatusUnprocessableEntity
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error("error encoding response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

func respondOK(w http.ResponseWriter, payload any) {
	respondWithJSON(w, http.StatusOK, payload)
}

func respondOKWithoutBody(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
}

func respondWithError(w http.ResponseWriter, err error) {
	st := api.StatusOf(err)
	code := httpStatus(st.Code())
	if code >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	}
	respondWithJSON(w, code, map[string]string{"error": st.Message(), "code": st.Code().String()})
}
