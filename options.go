package voxmill

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds overrides applied on top of env configuration.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger        *slog.Logger
	version       string
	memoryCeiling int64
	budgetMode    string
	workers       int
	auditDBPath   string
	chunkDepth    int
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithMemoryCeiling overrides the memory ceiling from config
// (VOXMILL_MEMORY_CEILING_BYTES env var).
func WithMemoryCeiling(bytes int64) Option {
	return func(o *resolvedOptions) { o.memoryCeiling = bytes }
}

// WithBudgetMode overrides the over-ceiling policy from config
// (VOXMILL_BUDGET_MODE env var): "block" waits for capacity up to the
// configured timeout, "fail" returns ErrMemoryBudgetExceeded immediately.
func WithBudgetMode(mode string) Option {
	return func(o *resolvedOptions) { o.budgetMode = mode }
}

// WithWorkers overrides the batch worker count from config
// (VOXMILL_WORKERS env var).
func WithWorkers(n int) Option {
	return func(o *resolvedOptions) { o.workers = n }
}

// WithAuditDBPath overrides the audit sink location from config
// (VOXMILL_AUDIT_DB env var).
func WithAuditDBPath(path string) Option {
	return func(o *resolvedOptions) { o.auditDBPath = path }
}

// WithChunkDepth overrides the depth-slice window used for chunked access
// (VOXMILL_CHUNK_DEPTH env var).
func WithChunkDepth(depth int) Option {
	return func(o *resolvedOptions) { o.chunkDepth = depth }
}
