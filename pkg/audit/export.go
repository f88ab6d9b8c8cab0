package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/acuitybridge/core/pkg/artifacts"
	"github.com/acuitybridge/core/pkg/canonicalize"
	"github.com/acuitybridge/core/pkg/contracts"
	"github.com/acuitybridge/core/pkg/rbac"
)

var (
	// ErrEmptyOrgID is returned when an export names no organization.
	ErrEmptyOrgID = errors.New("audit: org_id must not be empty")
	// ErrInvalidTimeRange is returned when start is after end.
	ErrInvalidTimeRange = errors.New("audit: start must not be after end")
	// ErrStoreNotConfigured is returned by Archive without an artifact store.
	ErrStoreNotConfigured = errors.New("audit: evidence store not configured")
)

// ExportRequest identifies who is exporting which window of whose entries.
// Zero Start/End are open bounds.
type ExportRequest struct {
	OrgID     string         `json:"org_id"`
	ActorID   string         `json:"actor_id"`
	ActorRole contracts.Role `json:"actor_role"`
	Start     time.Time      `json:"start"`
	End       time.Time      `json:"end"`
}

func (r ExportRequest) validate() error {
	if r.OrgID == "" {
		return ErrEmptyOrgID
	}
	if !r.Start.IsZero() && !r.End.IsZero() && r.Start.After(r.End) {
		return ErrInvalidTimeRange
	}
	return nil
}

func (r ExportRequest) window() (start, end *time.Time) {
	if !r.Start.IsZero() {
		s := r.Start
		start = &s
	}
	if !r.End.IsZero() {
		e := r.End
		end = &e
	}
	return start, end
}

// Manifest is written next to the bundle inside an evidence pack.
// BundleSHA256 covers the bundle.json bytes; BundleDigest covers the
// bundle's RFC 8785 form and so survives reformatting.
type Manifest struct {
	OrgID          string    `json:"org_id"`
	GeneratedAt    time.Time `json:"generated_at"`
	GeneratedBy    string    `json:"generated_by"`
	EntryCount     int       `json:"entry_count"`
	ChainIntegrity string    `json:"chain_integrity"`
	ChainHead      string    `json:"chain_head"`
	BundleSHA256   string    `json:"bundle_sha256"`
	BundleDigest   string    `json:"bundle_canonical_sha256"`
	PeriodStart    string    `json:"period_start,omitempty"`
	PeriodEnd      string    `json:"period_end,omitempty"`
}

// Exporter is the role-gated export surface over a Log. Every successful
// export is itself recorded as AUDIT_EXPORTED.
type Exporter struct {
	log   *Log
	store artifacts.Store
}

// NewExporter creates an exporter. store may be nil when Archive is unused.
func NewExporter(log *Log, store artifacts.Store) *Exporter {
	return &Exporter{log: log, store: store}
}

// Export returns the reviewer bundle for req after checking the actor's role.
func (e *Exporter) Export(ctx context.Context, req ExportRequest) (ExportBundle, error) {
	bundle, _, err := e.export(ctx, req)
	return bundle, err
}

// export also returns the chain head the bundle was taken at, before the
// AUDIT_EXPORTED entry is appended.
func (e *Exporter) export(ctx context.Context, req ExportRequest) (ExportBundle, string, error) {
	if err := req.validate(); err != nil {
		return ExportBundle{}, "", err
	}
	if err := rbac.Require(req.ActorRole, rbac.ActionExportAudit); err != nil {
		return ExportBundle{}, "", fmt.Errorf("audit: export by %s: %w", req.ActorID, err)
	}

	start, end := req.window()
	bundle, head := e.log.exportSnapshot(req.OrgID, start, end)

	e.log.AppendContext(ctx, Entry{
		OrgID:        req.OrgID,
		ActorID:      req.ActorID,
		ActorRole:    string(req.ActorRole),
		EventType:    EventAuditExported,
		TargetEntity: req.OrgID,
		Metadata: map[string]any{
			"entry_count":     bundle.ExportMetadata.EntryCount,
			"chain_integrity": bundle.ExportMetadata.ChainIntegrity,
		},
	})
	return bundle, head, nil
}

// GeneratePack exports req and packages the bundle as a zip containing
// bundle.json, manifest.json and README.txt. It returns the zip bytes and
// their content reference.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	bundle, head, err := e.export(ctx, req)
	if err != nil {
		return nil, "", err
	}

	bundleJSON, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal bundle: %w", err)
	}
	digest, err := canonicalize.CanonicalHash(bundle)
	if err != nil {
		return nil, "", fmt.Errorf("audit: canonical bundle digest: %w", err)
	}

	manifest := Manifest{
		OrgID:          req.OrgID,
		GeneratedAt:    e.log.clock().UTC(),
		GeneratedBy:    req.ActorID,
		EntryCount:     bundle.ExportMetadata.EntryCount,
		ChainIntegrity: bundle.ExportMetadata.ChainIntegrity,
		ChainHead:      head,
		BundleSHA256:   artifacts.Ref(bundleJSON),
		BundleDigest:   digest,
	}
	if !req.Start.IsZero() {
		manifest.PeriodStart = req.Start.UTC().Format(time.RFC3339)
	}
	if !req.End.IsZero() {
		manifest.PeriodEnd = req.End.UTC().Format(time.RFC3339)
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	files := []struct {
		name string
		data []byte
	}{
		{"bundle.json", bundleJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", []byte(fmt.Sprintf(
			"Audit evidence pack for org %s\nGenerated at %s by %s\nChain integrity: %s\n\n%s\n",
			req.OrgID, manifest.GeneratedAt.Format(time.RFC3339), req.ActorID,
			manifest.ChainIntegrity, ScopeNote))},
	}
	for _, f := range files {
		// Fixed modification time keeps the pack bytes reproducible.
		fw, err := w.CreateHeader(&zip.FileHeader{Name: f.name, Method: zip.Deflate, Modified: manifest.GeneratedAt})
		if err != nil {
			return nil, "", fmt.Errorf("audit: add %s: %w", f.name, err)
		}
		if _, err := fw.Write(f.data); err != nil {
			return nil, "", fmt.Errorf("audit: write %s: %w", f.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("audit: close pack: %w", err)
	}

	zipBytes := buf.Bytes()
	return zipBytes, artifacts.Ref(zipBytes), nil
}

// Archive generates a pack and stores it, returning the stored reference.
func (e *Exporter) Archive(ctx context.Context, req ExportRequest) (string, error) {
	if e.store == nil {
		return "", ErrStoreNotConfigured
	}
	pack, _, err := e.GeneratePack(ctx, req)
	if err != nil {
		return "", err
	}
	ref, err := e.store.Put(ctx, pack)
	if err != nil {
		return "", fmt.Errorf("audit: archive pack for %s: %w", req.OrgID, err)
	}
	return ref, nil
}
