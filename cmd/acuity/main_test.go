package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acuitybridge/core/pkg/audit"
	"github.com/acuitybridge/core/pkg/store/ledger"
)

const policiesFile = "../../configs/partner_policies.yaml"

func init() {
	color.NoColor = true
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// seedMirror writes n entries for org-a through a sqlite mirror.
func seedMirror(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	mirror, err := ledger.Open(context.Background(), ledger.DialectSQLite, path)
	require.NoError(t, err)
	defer func() { _ = mirror.Close() }()

	log := audit.New(audit.WithSink(mirror))
	for i := 0; i < n; i++ {
		log.Append(audit.Entry{
			OrgID: "org-a", ActorID: "system", ActorRole: "SYSTEM",
			EventType: audit.EventSignalEvaluated, TargetEntity: "participant-1",
			Metadata: map[string]any{"flag": "GREEN", "email": "someone@example.com"},
		})
	}
	return path
}

func TestDemo(t *testing.T) {
	code, out, errOut := run(t, "demo", "--policies", policiesFile)
	require.Equal(t, 0, code, errOut)

	assert.Contains(t, out, "clinic_alpha")
	assert.Contains(t, out, "Flag RED")
	assert.Contains(t, out, "-> RESOLVED")
	assert.Contains(t, out, "case now CRISIS_INTERFACE_TRIGGERED")
	assert.Contains(t, out, "[STUB] Crisis interface invoked")
	assert.Contains(t, out, "Decision Transparency Report")
	assert.Contains(t, out, "Chain integrity: VALID")
}

func TestDemo_MissingExplicitPolicyFile(t *testing.T) {
	code, _, errOut := run(t, "demo", "--policies", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "nope.yaml")
}

func TestPolicyValidate(t *testing.T) {
	code, out, _ := run(t, "policy", "validate", policiesFile)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "VALID")
	assert.Contains(t, out, "employer_beta")
}

func TestPolicyValidate_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schema_version: \"1.0.0\"\npolicies:\n  - org_id: \"\"\n"), 0o600))

	code, out, _ := run(t, "policy", "validate", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "INVALID")
}

func TestPolicyValidate_Usage(t *testing.T) {
	code, _, _ := run(t, "policy", "validate")
	assert.Equal(t, 2, code)
}

func TestAuditVerify(t *testing.T) {
	db := seedMirror(t, 3)
	code, out, errOut := run(t, "audit", "verify", "--db", db)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "VALID 3 entries")
}

func TestAuditVerify_GapIsReportedBroken(t *testing.T) {
	db := seedMirror(t, 3)
	conn, err := sql.Open("sqlite", db)
	require.NoError(t, err)
	_, err = conn.Exec(`DELETE FROM audit_entries WHERE sequence = 1`)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	code, out, errOut := run(t, "audit", "verify", "--db", db)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "BROKEN")
	assert.Contains(t, errOut, "sequence gap")
}

func TestAuditVerify_RequiresDB(t *testing.T) {
	code, _, errOut := run(t, "audit", "verify")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--db")
}

func TestAuditExport(t *testing.T) {
	db := seedMirror(t, 2)
	out := filepath.Join(t.TempDir(), "bundle.json")

	code, _, errOut := run(t, "audit", "export", "--db", db, "--org", "org-a", "--out", out)
	require.Equal(t, 0, code, errOut)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var bundle audit.ExportBundle
	require.NoError(t, json.Unmarshal(data, &bundle))
	assert.Equal(t, 2, bundle.ExportMetadata.EntryCount)
	assert.Equal(t, audit.ChainValid, bundle.ExportMetadata.ChainIntegrity)
	assert.Equal(t, "[REDACTED]", bundle.Entries[0].Metadata["email"])

	// The export is recorded in the mirror and the chain still verifies.
	code, stdout, _ := run(t, "audit", "verify", "--db", db)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "VALID 3 entries")
}

func TestAuditExport_ParticipantDenied(t *testing.T) {
	db := seedMirror(t, 1)
	code, _, errOut := run(t, "audit", "export", "--db", db, "--org", "org-a", "--role", "PARTICIPANT")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "permission")
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	code, _, errOut := run(t, "demo", "--no-such-flag")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "no-such-flag")
}
