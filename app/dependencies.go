package app

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vantyr/costgate/auth"
	"github.com/vantyr/costgate/config"
	"github.com/vantyr/costgate/middleware"
	"github.com/vantyr/costgate/repositories"
	"github.com/vantyr/costgate/repositories/postgres"
	"github.com/vantyr/costgate/services/actions"
	"github.com/vantyr/costgate/services/approval"
	"github.com/vantyr/costgate/services/billing"
	"github.com/vantyr/costgate/services/budget"
	"github.com/vantyr/costgate/services/gate"
	"github.com/vantyr/costgate/services/ledger"
	"github.com/vantyr/costgate/services/notify"
	"github.com/vantyr/costgate/services/permissions"
	"github.com/vantyr/costgate/services/policy"
	"github.com/vantyr/costgate/services/reconcile"
	"github.com/vantyr/costgate/services/token"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB
	Logger *zap.Logger

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Repos     *repositories.Repositories
	TxManager repositories.TransactionManager

	// Collaborators
	Resolver   *permissions.StaticResolver
	Dispatcher notify.Dispatcher
	Billing    billing.Reader
	Signer     *token.Signer

	// Services
	Gate      *gate.Service
	Approvals *approval.Service
	Policies  *policy.Service
	Budgets   *budget.Service
	Ledger    *ledger.Service
	Reconcile *reconcile.Service
	Actions   *actions.Service

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	// Effective signing secret shared by the approval signer and the auth
	// validator, resolved once so the development fallback applies to both.
	signingSecret string
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initCollaborators(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize collaborators: %w", err)
	}

	deps.initServices(cfg)

	if err := deps.initAuth(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase initializes the PostgreSQL connection and repositories
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()
	d.Repos = factory.NewRepositories()
	d.TxManager = factory.GetTransactionManager()

	return d.DB.HealthCheck(ctx)
}

// initCollaborators wires the permission resolver, notification dispatcher,
// billing reader and token signer
func (d *Dependencies) initCollaborators(cfg *config.Config) error {
	d.Resolver = permissions.NewStaticResolver(d.Logger)
	d.Dispatcher = notify.NewLogDispatcher(d.Logger)
	d.Billing = billing.NewStaticReader()

	d.signingSecret = cfg.Signing.Secret
	if d.signingSecret == "" && cfg.IsDevelopment() {
		// Development convenience only; Validate rejects this elsewhere
		d.signingSecret = "development-secret"
		d.Logger.Warn("using development signing secret")
	}

	signer, err := token.NewSigner(d.signingSecret, cfg.Signing.FallbackSecrets, cfg.Signing.Issuer)
	if err != nil {
		return err
	}
	d.Signer = signer
	return nil
}

// initServices wires the domain services
func (d *Dependencies) initServices(cfg *config.Config) {
	d.Gate = gate.NewService(d.Repos, d.TxManager, d.Dispatcher, gate.Config{
		LockTimeout: cfg.Gate.LockTimeout,
		EvalTimeout: cfg.Gate.EvalTimeout,
	}, d.Logger)

	d.Approvals = approval.NewService(d.Repos, d.TxManager, d.Resolver, d.Signer, d.Dispatcher, d.Logger)
	d.Policies = policy.NewService(d.Repos, d.Logger)
	d.Budgets = budget.NewService(d.Repos, d.Logger)
	d.Ledger = ledger.NewService(d.Repos, d.Logger)

	reconcileCfg := reconcile.DefaultConfig()
	reconcileCfg.OverdueAfter = cfg.Reconcile.OverdueAfter
	reconcileCfg.VarianceAlertMinUSD = decimal.NewFromFloat(cfg.Reconcile.VarianceAlertMinUSD)
	d.Reconcile = reconcile.NewService(d.Repos, d.TxManager, d.Billing, d.Dispatcher, reconcileCfg, d.Logger)

	d.Actions = actions.NewService(d.Repos, d.Dispatcher, actions.Config{
		LeaseRetries: cfg.Actions.LeaseRetries,
	}, d.Logger)
}

// initAuth wires the service token validator and auth middleware
func (d *Dependencies) initAuth(cfg *config.Config) error {
	validator, err := auth.NewValidator(d.signingSecret, cfg.Signing.FallbackSecrets, cfg.Signing.Issuer, d.Logger)
	if err != nil {
		return err
	}
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
	return nil
}

// Close releases held resources
func (d *Dependencies) Close() error {
	if d.RepoFactory != nil {
		return d.RepoFactory.Close()
	}
	return nil
}

// HealthCheck verifies the database connection
func (d *Dependencies) HealthCheck(ctx context.Context) error {
	return d.DB.HealthCheck(ctx)
}
