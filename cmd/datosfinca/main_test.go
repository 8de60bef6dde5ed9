package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datosfinca/agrobodega/internal/auth"
	"github.com/datosfinca/agrobodega/internal/database"
	"github.com/datosfinca/agrobodega/internal/records"
	"github.com/datosfinca/agrobodega/internal/store"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func deviceArgs(t *testing.T, owner string, args ...string) []string {
	t.Helper()
	return append([]string{
		"--local-db", filepath.Join(t.TempDir(), "device.db"),
		"--owner-group", owner,
		"--log-level", "error",
	}, args...)
}

func TestRecordListAndStatus(t *testing.T) {
	base := deviceArgs(t, "finca-norte")

	out, err := runCLI(t, `{"id":"item-1","name":"Urea","currentQuantity":5,"baseUnit":"kg"}`, append(base, "record", "inventory", "-")...)
	require.NoError(t, err)
	var saved records.Record
	require.NoError(t, json.Unmarshal([]byte(out), &saved))
	require.Equal(t, "item-1", saved.ID)
	require.Equal(t, records.StatusPendingCreate, saved.SyncStatus)
	require.Equal(t, "finca-norte", saved.OwnerGroupID)

	out, err = runCLI(t, "", append(base, "list", "inventoryItem")...)
	require.NoError(t, err)
	var listed []records.Record
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)

	out, err = runCLI(t, "", append(base, "status")...)
	require.NoError(t, err)
	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	require.Equal(t, float64(1), status["pending"])
	require.Nil(t, status["lastSync"])

	_, err = runCLI(t, `{"name":"Urea","currentQuantity":-1}`, append(base, "record", "inventory", "-")...)
	require.Error(t, err)
	_, err = runCLI(t, `{}`, append(base, "record", "unicorns", "-")...)
	require.ErrorIs(t, err, records.ErrUnknownCollection)
}

func TestExportThenImportIntoAnotherWarehouse(t *testing.T) {
	source := deviceArgs(t, "finca-norte")
	_, err := runCLI(t, `{"type":"IN","itemId":"item-1","quantity":3,"unit":"kg"}`, append(source, "record", "movements", "--id", "mov-1")...)
	require.NoError(t, err)

	backup := filepath.Join(t.TempDir(), "backup.json")
	_, err = runCLI(t, "", append(source, "export", backup)...)
	require.NoError(t, err)

	target := deviceArgs(t, "finca-sur")
	out, err := runCLI(t, "", append(target, "import", backup)...)
	require.NoError(t, err)
	require.Equal(t, "imported 1 records\n", out)

	out, err = runCLI(t, "", append(target, "audit", "--limit", "1")...)
	require.NoError(t, err)
	require.Contains(t, out, `"IMPORT"`)
}

func TestCommandsRefuseOwnerGroupHeldByAgent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.db")
	db, err := database.OpenLocal(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	agent, err := store.Open(context.Background(), store.Config{Database: db, OwnerGroupID: "finca-norte"})
	require.NoError(t, err)

	args := []string{"--local-db", path, "--owner-group", "finca-norte", "--log-level", "error"}
	_, err = runCLI(t, "", append(args, "list", "inventoryItem")...)
	require.ErrorIs(t, err, store.ErrScopeLocked)

	require.NoError(t, agent.Close())
	_, err = runCLI(t, "", append(args, "list", "inventoryItem")...)
	require.NoError(t, err)
}

func TestTokenCommand(t *testing.T) {
	_, err := runCLI(t, "", "token", "ana")
	require.Error(t, err)

	out, err := runCLI(t, "", "--signing-secret", "cli-secret", "token", "ana")
	require.NoError(t, err)
	var issued struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int64  `json:"expiresIn"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &issued))
	require.Positive(t, issued.ExpiresIn)

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte("cli-secret")})
	require.NoError(t, err)
	subject, err := issuer.ValidateToken(issued.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "ana", subject)
}

func TestGrantAndRevokeCommands(t *testing.T) {
	base := []string{"--database-path", filepath.Join(t.TempDir(), "server.db"), "--log-level", "error"}

	out, err := runCLI(t, "", append(base, "grant", "finca-norte", "ana", "editor")...)
	require.NoError(t, err)
	require.Contains(t, out, `"role": "editor"`)

	_, err = runCLI(t, "", append(base, "grant", "finca-norte", "ana", "superuser")...)
	require.Error(t, err)

	out, err = runCLI(t, "", append(base, "revoke", "finca-norte", "ana")...)
	require.NoError(t, err)
	require.Equal(t, "revoked ana on finca-norte\n", out)
}

func TestSyncRequiresToken(t *testing.T) {
	_, err := runCLI(t, "", deviceArgs(t, "finca-norte", "sync")...)
	require.ErrorContains(t, err, "sync.token is required")
}
