package repositories

// Repositories bundles all repository interfaces for dependency wiring
type Repositories struct {
	Policies        PolicyRepository
	Budgets         BudgetRepository
	Decisions       DecisionRepository
	Ledger          LedgerRepository
	Approvals       ApprovalRepository
	Actions         ActionRepository
	Reconciliations ReconciliationRepository
}
