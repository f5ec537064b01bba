package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/vantyr/costgate/app"
	"github.com/vantyr/costgate/handlers"
	"github.com/vantyr/costgate/services/permissions"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	healthHandler := handlers.NewHealthHandler(deps.DB, deps.Logger)
	gateHandler := handlers.NewGateHandler(deps.Gate, deps.Logger)
	decisionHandler := handlers.NewDecisionHandler(deps.Repos.Decisions, deps.Logger)
	policyHandler := handlers.NewPolicyHandler(deps.Policies, deps.Logger)
	budgetHandler := handlers.NewBudgetHandler(deps.Budgets, deps.Logger)
	approvalHandler := handlers.NewApprovalHandler(deps.Approvals, deps.Logger)
	actionHandler := handlers.NewActionHandler(deps.Actions, deps.Logger)
	reconcileHandler := handlers.NewReconcileHandler(deps.Reconcile, deps.Logger)
	ledgerHandler := handlers.NewLedgerHandler(deps.Ledger, deps.Logger)

	// Health check endpoints
	r.Get("/healthz", healthHandler.HandleHealth)
	r.Get("/readyz", healthHandler.HandleReadiness)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)
		r.Use(deps.AuthMiddleware.ExtractTenant)

		// Gate evaluation, one endpoint per request source
		r.Route("/gate", func(r chi.Router) {
			r.Post("/{source}/evaluate", gateHandler.HandleEvaluate)
		})

		// Decision history
		r.Route("/decisions", func(r chi.Router) {
			r.Get("/", decisionHandler.HandleListDecisions)
			r.Get("/{id}", decisionHandler.HandleGetDecision)
		})

		// Gate policy (require finops admin role)
		r.Route("/policy", func(r chi.Router) {
			r.Get("/", policyHandler.HandleGetPolicy)
			r.With(deps.AuthMiddleware.RequireRole(permissions.RoleFinOpsAdmin)).
				Put("/", policyHandler.HandleUpdatePolicy)
		})

		// Budget allocations and credit grants
		r.Route("/budgets", func(r chi.Router) {
			r.Get("/", budgetHandler.HandleBudgetSummary)
			r.Get("/{scope}", budgetHandler.HandleGetAllocation)
			r.With(deps.AuthMiddleware.RequireRole(permissions.RoleFinOpsAdmin)).
				Put("/{scope}", budgetHandler.HandleSetAllocation)
		})
		r.Route("/credits", func(r chi.Router) {
			r.Get("/", budgetHandler.HandleListCredits)
			r.With(deps.AuthMiddleware.RequireRole(permissions.RoleFinOpsAdmin)).
				Post("/", budgetHandler.HandleGrantCredit)
		})

		// Approval workflow
		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", approvalHandler.HandleListApprovals)
			r.Post("/consume", approvalHandler.HandleConsume)
			r.Get("/{id}", approvalHandler.HandleGetApproval)
			r.Post("/{id}/approve", approvalHandler.HandleApprove)
			r.Post("/{id}/deny", approvalHandler.HandleDeny)
			r.Post("/{id}/cancel", approvalHandler.HandleCancel)
		})

		// Action orchestration
		r.Route("/actions", func(r chi.Router) {
			r.Get("/", actionHandler.HandleListActions)
			r.Post("/", actionHandler.HandleCreateAction)
			r.Post("/lease", actionHandler.HandleLeaseAction)
			r.Get("/{id}", actionHandler.HandleGetAction)
			r.Post("/{id}/complete", actionHandler.HandleCompleteAction)
			r.Post("/{id}/fail", actionHandler.HandleFailAction)
			r.Post("/{id}/cancel", actionHandler.HandleCancelAction)
		})

		// Reconciliation
		r.Route("/reconciliations", func(r chi.Router) {
			r.Post("/", reconcileHandler.HandleReconcile)
			r.With(deps.AuthMiddleware.RequireRole(permissions.RoleFinOpsAdmin)).
				Post("/overdue", reconcileHandler.HandleReleaseOverdue)
		})

		// Decision ledger
		r.Route("/ledger", func(r chi.Router) {
			r.Get("/export", ledgerHandler.HandleExport)
			r.Get("/verify", ledgerHandler.HandleVerify)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}
