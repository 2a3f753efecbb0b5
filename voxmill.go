// Package voxmill is the public API of the medical-volume ingest pipeline.
//
// Callers — a UI, a CLI, or a processing plugin — construct an App and use
// it to load volumes, anonymize and import DICOM data, and persist label
// masks, all inside a configured memory ceiling and with every operation
// recorded in the append-only audit log:
//
//	app, err := voxmill.New(
//	    voxmill.WithLogger(logger),
//	    voxmill.WithMemoryCeiling(512 << 20),
//	)
//	if err != nil { ... }
//	defer app.Close()
//
//	vol, err := app.Load(ctx, voxmill.ImageRef{FilePath: "scan.nii.gz"})
//	if err != nil { ... }
//	defer vol.Close()
//
// The import graph enforces a strict no-cycle rule: voxmill (root) imports
// internal/*, but internal/* never imports voxmill (root). Public types are
// aliases of the canonical internal/model types — volumes carry multi-GB
// voxel buffers, so the boundary must not copy.
package voxmill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"

	"github.com/voxmill/voxmill/internal/audit"
	"github.com/voxmill/voxmill/internal/config"
	"github.com/voxmill/voxmill/internal/dicomio"
	"github.com/voxmill/voxmill/internal/membudget"
	"github.com/voxmill/voxmill/internal/nifti"
	"github.com/voxmill/voxmill/internal/store"
	"github.com/voxmill/voxmill/internal/telemetry"
)

// App is the pipeline lifecycle. Construct with New, release with Close.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	budget   *membudget.Manager
	auditLog *audit.Log
	decoder  *nifti.Decoder
	importer *dicomio.Importer
	anon     *dicomio.Anonymizer
	store    *store.Store

	otelShutdown telemetry.Shutdown
	version      string
}

// New initialises the pipeline: loads configuration, opens the audit sink,
// sizes the memory budget, and wires the decoders behind the store facade.
// It starts only the audit flush goroutine; everything else is demand-driven.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.memoryCeiling > 0 {
		cfg.MemoryCeilingBytes = o.memoryCeiling
	}
	if o.budgetMode != "" {
		cfg.BudgetMode = o.budgetMode
	}
	if o.workers > 0 {
		cfg.Workers = o.workers
	}
	if o.auditDBPath != "" {
		cfg.AuditDBPath = o.auditDBPath
	}
	if o.chunkDepth > 0 {
		cfg.ChunkDepth = o.chunkDepth
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("voxmill starting",
		"version", version,
		"memory_ceiling_bytes", cfg.MemoryCeilingBytes,
		"budget_mode", cfg.BudgetMode,
		"workers", cfg.Workers)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	budget, err := membudget.New(logger, cfg.MemoryCeilingBytes, membudget.Mode(cfg.BudgetMode), cfg.BudgetTimeout)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("membudget: %w", err)
	}

	auditLog, err := audit.Open(logger, cfg.AuditDBPath, cfg.AuditBufferSize, cfg.AuditFlushInterval)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("audit: %w", err)
	}
	auditLog.Start(context.Background())

	decoder := nifti.NewDecoder(logger)
	anon := dicomio.NewAnonymizer(logger, cfg.Workers, auditLog)
	importer := dicomio.NewImporter(logger, cfg.Workers, anon, auditLog)

	return &App{
		cfg:          cfg,
		logger:       logger,
		budget:       budget,
		auditLog:     auditLog,
		decoder:      decoder,
		importer:     importer,
		anon:         anon,
		store:        store.New(logger, budget, decoder, importer, auditLog),
		otelShutdown: otelShutdown,
		version:      version,
	}, nil
}

// Load reads the volume identified by ref, dispatching by file signature.
// The volume holds a budget lease; release it with Volume.Close.
func (a *App) Load(ctx context.Context, ref ImageRef) (*Volume, error) {
	return a.store.Load(ctx, ref)
}

// SaveMask persists mask as the sidecar for ref, overwriting any prior one.
func (a *App) SaveMask(ctx context.Context, ref ImageRef, mask *Mask) error {
	return a.store.SaveMask(ctx, ref, mask)
}

// LoadMask reads the sidecar for ref. The sidecar is not self-describing,
// so the caller supplies the dimensions the mask was written with.
func (a *App) LoadMask(ctx context.Context, ref ImageRef, width, height, depth int) (*Mask, error) {
	return a.store.LoadMask(ctx, ref, width, height, depth)
}

// Import ingests DICOM files under root. See dicomio.Importer.Import for
// batch semantics: per-file failures are skipped and reported in PerFile.
func (a *App) Import(ctx context.Context, root string, opts ImportOptions) (*ImportResult, error) {
	return a.importer.Import(ctx, root, opts)
}

// Anonymize redacts identifying tags from files in place. Returns the count
// of files successfully anonymized plus per-file results.
func (a *App) Anonymize(ctx context.Context, files []string, profile AnonymizerProfile) (int, []FileResult, error) {
	return a.anon.Anonymize(ctx, files, profile)
}

// CountAbove streams the NIfTI file at path through the memory budget in
// configured chunk windows and counts voxels above threshold (0..1). Works
// for files larger than the memory ceiling.
func (a *App) CountAbove(ctx context.Context, path string, threshold float64) (int64, error) {
	sr, err := a.decoder.OpenSlabs(path)
	if err != nil {
		return 0, err
	}
	defer sr.Close()
	return a.store.CountAbove(ctx, sr, a.cfg.ChunkDepth, threshold)
}

// AuditRecent returns the latest n persisted audit entries, newest first.
func (a *App) AuditRecent(ctx context.Context, n int) ([]AuditEntry, error) {
	return a.auditLog.Recent(ctx, n)
}

// FlushAudit forces buffered audit entries to the durable sink.
func (a *App) FlushAudit(ctx context.Context) error {
	return a.auditLog.Flush(ctx)
}

// Budget exposes the memory manager's ceiling and current rental level.
func (a *App) Budget() (ceiling, rented int64) {
	return a.budget.Ceiling(), a.budget.Rented()
}

// Close drains the audit log and shuts down telemetry.
func (a *App) Close() error {
	err := a.auditLog.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := a.otelShutdown(ctx); terr != nil && err == nil {
		err = terr
	}
	return err
}

// LoadCustomTags reads extra redaction tags for custom anonymizer profiles
// from a YAML file.
func LoadCustomTags(path string) ([]string, error) {
	return dicomio.LoadCustomTags(path)
}
