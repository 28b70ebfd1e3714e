package dispatcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"backupcore/internal/auth"
	"backupcore/internal/chunkfmt"
	"backupcore/internal/config"
	"backupcore/internal/index"
)

// stubAuthenticator authenticates every request as a fixed principal,
// avoiding JWT signing overhead in tests that don't exercise internal/auth
// itself.
type stubAuthenticator struct {
	principal string
}

func (s stubAuthenticator) Authenticate(r *http.Request) (auth.Principal, error) {
	return auth.Principal{Name: s.principal}, nil
}

func newTestDispatcher(t *testing.T, principal string) (*Dispatcher, string) {
	t.Helper()
	root := t.TempDir()
	dsPath := filepath.Join(root, "ds1")
	if err := os.MkdirAll(dsPath, 0o750); err != nil {
		t.Fatal(err)
	}

	cfgPath := filepath.Join(root, "datastore.cfg")
	store := config.NewStore(cfgPath)
	if err := store.Create(config.Datastore{Name: "ds1", Path: dsPath}); err != nil {
		t.Fatal(err)
	}

	d := New(Config{
		Datastores:    store,
		Authenticator: stubAuthenticator{principal: principal},
	})
	return d, dsPath
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func openSessionID(t *testing.T, handler http.Handler, datastore, backupType, backupID string, backupTime int64) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api2/backup", openRequest{
		Datastore:  datastore,
		BackupType: backupType,
		BackupID:   backupID,
		BackupTime: backupTime,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("open session: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp openResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.SessionID
}

// closeEmptyDynamicIndex creates root.didx in session sid and closes it with
// no entries, so the session holds one closed index.
func closeEmptyDynamicIndex(t *testing.T, handler http.Handler, sid string) {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api2/backup/%s/dynamic_index", sid), createIndexRequest{Name: "root.didx"})
	if rec.Code != http.StatusOK {
		t.Fatalf("create dynamic index: status %d body %s", rec.Code, rec.Body.String())
	}
	var created createIndexResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	emptyCsum := index.NewDigestListHasher().Sum()
	rec = doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api2/backup/%s/dynamic_close", sid), closeRequest{
		WriterID: created.WriterID,
		Csum:     fmt.Sprintf("%x", emptyCsum),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("close dynamic index: status %d body %s", rec.Code, rec.Body.String())
	}
}

// closeSessionForTest exposes closeSession for tests exercising the
// session-open policy across multiple opens without needing a full
// finish/upload sequence.
func (d *Dispatcher) closeSessionForTest(sid string) error {
	sess, ok := d.sessions.get(sid)
	if !ok {
		return fmt.Errorf("session %s not found", sid)
	}
	d.closeSession(sess)
	return nil
}

func TestUploadBlobAndFinish(t *testing.T) {
	d, _ := newTestDispatcher(t, "alice")
	handler := d.buildMux()

	sid := openSessionID(t, handler, "ds1", "host", "box1", 1000)

	payload := []byte("notes about this backup")
	encoded, err := chunkfmt.Encode(chunkfmt.KindBlob, payload, nil, true)
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, fmt.Sprintf("/api2/backup/%s/blob?file-name=notes.blob", sid), bytes.NewReader(encoded))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload blob: status %d body %s", rec.Code, rec.Body.String())
	}

	closeEmptyDynamicIndex(t, handler, sid)

	rec2 := doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api2/backup/%s/finish", sid), finishRequest{})
	if rec2.Code != http.StatusOK {
		t.Fatalf("finish: status %d body %s", rec2.Code, rec2.Body.String())
	}
}

func TestOpenRejectsUnknownDatastore(t *testing.T) {
	d, _ := newTestDispatcher(t, "alice")
	handler := d.buildMux()

	rec := doJSON(t, handler, http.MethodPost, "/api2/backup", openRequest{
		Datastore:  "nope",
		BackupType: "host",
		BackupID:   "box1",
		BackupTime: 1000,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown datastore, got %d", rec.Code)
	}
}

// TestBackupTimeRegressionRejected covers the requirement that a new
// session's backup_time must advance past the group's most recent
// snapshot.
func TestBackupTimeRegressionRejected(t *testing.T) {
	d, _ := newTestDispatcher(t, "alice")
	handler := d.buildMux()

	sid := openSessionID(t, handler, "ds1", "host", "box2", 500)
	closeEmptyDynamicIndex(t, handler, sid)
	if rec := doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api2/backup/%s/finish", sid), finishRequest{}); rec.Code != http.StatusOK {
		t.Fatalf("finish: status %d body %s", rec.Code, rec.Body.String())
	}

	rec := doJSON(t, handler, http.MethodPost, "/api2/backup", openRequest{
		Datastore:  "ds1",
		BackupType: "host",
		BackupID:   "box2",
		BackupTime: 400,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for backup-time regression, got %d body %s", rec.Code, rec.Body.String())
	}
}

// TestOwnershipEnforcedAcrossPrincipals covers the property that a group,
// once claimed by a principal, rejects sessions from a different one.
func TestOwnershipEnforcedAcrossPrincipals(t *testing.T) {
	d, _ := newTestDispatcher(t, "alice")
	handler := d.buildMux()

	sid := openSessionID(t, handler, "ds1", "host", "box3", 1000)
	if err := d.closeSessionForTest(sid); err != nil {
		t.Fatal(err)
	}

	d2, _ := newTestDispatcher(t, "bob")
	// Reuse the same datastore root so the group directory (and its
	// .owner marker) is shared between the two dispatcher instances.
	ds, err := d.datastores.Get("ds1")
	if err != nil {
		t.Fatal(err)
	}
	if err := d2.datastores.Put(ds); err != nil {
		t.Fatal(err)
	}
	handler2 := d2.buildMux()

	rec := doJSON(t, handler2, http.MethodPost, "/api2/backup", openRequest{
		Datastore:  "ds1",
		BackupType: "host",
		BackupID:   "box3",
		BackupTime: 2000,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for ownership mismatch, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestConcurrentSessionOnSameGroupRejected(t *testing.T) {
	d, _ := newTestDispatcher(t, "alice")
	handler := d.buildMux()

	_ = openSessionID(t, handler, "ds1", "host", "box4", 1000)

	rec := doJSON(t, handler, http.MethodPost, "/api2/backup", openRequest{
		Datastore:  "ds1",
		BackupType: "host",
		BackupID:   "box4",
		BackupTime: 2000,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for concurrent session on the same group, got %d body %s", rec.Code, rec.Body.String())
	}
}
