package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/database"
	"github.com/MarcoPoloResearchLab/offline-notes/internal/notes"
	"github.com/MarcoPoloResearchLab/offline-notes/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type clientHarness struct {
	serverURL   string
	replicaPath string
}

func newClientHarness(t *testing.T) clientHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "authority.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open authority database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	service, err := notes.NewService(notes.ServiceConfig{Database: db, Clock: time.Now, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{NotesService: service, Logger: zap.NewNop(), HeartbeatInterval: time.Hour})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	t.Cleanup(func() {
		cfgFile = ""
		viper.Reset()
	})

	return clientHarness{serverURL: httpServer.URL, replicaPath: filepath.Join(t.TempDir(), "replica.db")}
}

func (harness clientHarness) run(t *testing.T, args ...string) string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd := newRootCommand()
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(append([]string{
		"--server-url", harness.serverURL,
		"--replica-path", harness.replicaPath,
		"--log-level", "error",
	}, args...))
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("notes-client %v failed: %v (stderr %q)", args, err, stderr.String())
	}
	return stdout.String()
}

func decodeNotes(t *testing.T, output string) []notes.Note {
	t.Helper()
	var decoded []notes.Note
	if err := json.Unmarshal([]byte(output), &decoded); err != nil {
		t.Fatalf("invalid json output %q: %v", output, err)
	}
	return decoded
}

func TestLocalEditsWithSyncFlagReachAuthority(t *testing.T) {
	harness := newClientHarness(t)

	id := strings.TrimSpace(harness.run(t, "create", "--title", "Groceries", "--body", "milk", "--sync"))
	if id == "" {
		t.Fatalf("expected the new id on stdout")
	}

	remoteNotes := decodeNotes(t, harness.run(t, "remote", "list", "-o", "json"))
	if len(remoteNotes) != 1 || remoteNotes[0].ID.String() != id || remoteNotes[0].Title != "Groceries" {
		t.Fatalf("expected the created note on the authority, got %+v", remoteNotes)
	}

	harness.run(t, "edit", id, "--body", "oat milk", "--sync")
	fetched := decodeNotes(t, harness.run(t, "remote", "get", id, "-o", "json"))
	if len(fetched) != 1 || fetched[0].Body != "oat milk" {
		t.Fatalf("expected the edit on the authority, got %+v", fetched)
	}

	harness.run(t, "delete", id, "--sync")
	if remaining := decodeNotes(t, harness.run(t, "remote", "list", "-o", "json")); len(remaining) != 0 {
		t.Fatalf("expected the authority to drop the note, got %+v", remaining)
	}
	if local := decodeNotes(t, harness.run(t, "list", "--all", "-o", "json")); len(local) != 0 {
		t.Fatalf("expected the confirmed tombstone purged locally, got %+v", local)
	}
}

func TestLocalEditWithoutSyncFlagStaysPending(t *testing.T) {
	harness := newClientHarness(t)

	harness.run(t, "create", "--title", "Draft")
	if remoteNotes := decodeNotes(t, harness.run(t, "remote", "list", "-o", "json")); len(remoteNotes) != 0 {
		t.Fatalf("expected nothing pushed without --sync, got %+v", remoteNotes)
	}
	status := harness.run(t, "status")
	if !strings.Contains(status, "pending: 1") || !strings.Contains(status, "last sync: never") {
		t.Fatalf("unexpected status %q", status)
	}
}

func TestListSearchFiltersByTitleOrBody(t *testing.T) {
	harness := newClientHarness(t)
	harness.run(t, "create", "--title", "Grocery list", "--body", "eggs")
	harness.run(t, "create", "--title", "Errands", "--body", "pick up GROCERIES")
	harness.run(t, "create", "--title", "Ideas", "--body", "none")

	testCases := []struct {
		query string
		want  int
	}{
		{query: "grocer", want: 2},
		{query: "IDEAS", want: 1},
		{query: "zebra", want: 0},
		{query: "", want: 3},
	}
	for _, testCase := range testCases {
		t.Run("query_"+testCase.query, func(t *testing.T) {
			listed := decodeNotes(t, harness.run(t, "list", "--search", testCase.query, "-o", "json"))
			if len(listed) != testCase.want {
				t.Fatalf("expected %d notes for %q, got %+v", testCase.want, testCase.query, listed)
			}
		})
	}
}

func TestRemoteCreateAndUpdate(t *testing.T) {
	harness := newClientHarness(t)

	id := strings.TrimSpace(harness.run(t, "remote", "create", "--title", "Server side", "--body", "v1"))
	harness.run(t, "remote", "update", id, "--body", "v2")

	fetched := decodeNotes(t, harness.run(t, "remote", "get", id, "-o", "json"))
	if len(fetched) != 1 || fetched[0].Title != "Server side" || fetched[0].Body != "v2" {
		t.Fatalf("expected the updated note, got %+v", fetched)
	}

	harness.run(t, "sync")
	local := decodeNotes(t, harness.run(t, "list", "-o", "json"))
	if len(local) != 1 || local[0].Body != "v2" {
		t.Fatalf("expected the replica to pull the note, got %+v", local)
	}
}

func TestExplicitMissingConfigFileFails(t *testing.T) {
	harness := newClientHarness(t)
	rootCmd := newRootCommand()
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{
		"--config", filepath.Join(t.TempDir(), "missing.yaml"),
		"--replica-path", harness.replicaPath,
		"status",
	})
	if err := rootCmd.Execute(); err == nil {
		t.Fatalf("expected an error for a missing --config file")
	}
}

func TestSyncFlagKeepsChangeWhenAuthorityUnreachable(t *testing.T) {
	harness := newClientHarness(t)
	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	harness.serverURL = closed.URL

	harness.run(t, "create", "--title", "Offline", "--sync", "--health-timeout-ms", "200")
	status := harness.run(t, "status")
	if !strings.Contains(status, "pending: 1") || !strings.Contains(status, "last sync: never") {
		t.Fatalf("expected the change kept for later, got %q", status)
	}
}
