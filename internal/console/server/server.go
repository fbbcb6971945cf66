package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/spaceai-verifier/internal/console/handler"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/infra/auth"
	"go.uber.org/zap"
)

// ConsoleServer - операторский API: правила guardrail и просмотр результатов верификации.
type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка RS256 токенов операторов
	authValidator auth.TokenValidator

	guardrailHandler *handler.GuardrailHandler // /v1/guardrails
	executionHandler *handler.ExecutionHandler // /v1/executions, /v1/alerts
}

func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	guardrailH *handler.GuardrailHandler,
	executionH *handler.ExecutionHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:           chi.NewRouter(),
		logger:           logger.Named("console-api"),
		authValidator:    validator,
		guardrailHandler: guardrailH,
		executionHandler: executionH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Инфраструктурные middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// --- 3. Защищенный периметр (RS256 токен + скоупы) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		r.Route("/v1/guardrails", func(r chi.Router) {
			r.With(auth.RequireScope(domain.ScopeGuardrailsRead)).Get("/", s.guardrailHandler.List)
			r.With(auth.RequireScope(domain.ScopeGuardrailsWrite)).Post("/", s.guardrailHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.With(auth.RequireScope(domain.ScopeGuardrailsRead)).Get("/", s.guardrailHandler.Get)
				r.With(auth.RequireScope(domain.ScopeGuardrailsWrite)).Put("/", s.guardrailHandler.Update)
				r.With(auth.RequireScope(domain.ScopeGuardrailsWrite)).Delete("/", s.guardrailHandler.Delete)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeExecutionsRead))
			r.Get("/v1/executions", s.executionHandler.List)
			r.Get("/v1/executions/{id}", s.executionHandler.Get)
			r.Get("/v1/alerts", s.executionHandler.Alerts)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
