package dispatcher

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"backupcore/internal/config"
	"backupcore/internal/environment"
	"backupcore/internal/group"
	"backupcore/internal/index/dynamic"
	"backupcore/internal/index/fixed"
	"backupcore/internal/manifest"
	"backupcore/internal/store"
)

func (d *Dispatcher) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /api2/backup", d.handleOpen)
	mux.HandleFunc("PUT /api2/backup/{sid}/blob", d.handleUploadBlob)
	mux.HandleFunc("POST /api2/backup/{sid}/dynamic_chunk", d.handleUploadChunk)
	mux.HandleFunc("POST /api2/backup/{sid}/fixed_chunk", d.handleUploadChunk)
	mux.HandleFunc("POST /api2/backup/{sid}/dynamic_index", d.handleCreateDynamicIndex)
	mux.HandleFunc("POST /api2/backup/{sid}/fixed_index", d.handleCreateFixedIndex)
	mux.HandleFunc("PUT /api2/backup/{sid}/dynamic_append", d.handleDynamicAppend)
	mux.HandleFunc("PUT /api2/backup/{sid}/fixed_append", d.handleFixedAppend)
	mux.HandleFunc("POST /api2/backup/{sid}/dynamic_close", d.handleDynamicClose)
	mux.HandleFunc("POST /api2/backup/{sid}/fixed_close", d.handleFixedClose)
	mux.HandleFunc("POST /api2/backup/{sid}/finish", d.handleFinish)
	mux.HandleFunc("POST /api2/backup/{sid}/speedtest", d.handleSpeedtest)

	mux.HandleFunc("GET /api2/backup/previous", d.handlePrevious)
	mux.HandleFunc("GET /api2/backup/previous_backup_time", d.handlePreviousBackupTime)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), map[string]string{"error": err.Error()})
}

// respondEnvError classifies an error returned by an Environment method,
// writes the resulting HTTP response, and forces the session closed unless
// the error is a ClientError (which leaves the session open per the
// taxonomy's "session continues" consequence).
func (d *Dispatcher) respondEnvError(w http.ResponseWriter, sess *backupSession, err error) {
	classified := classifyEnvError(err)
	writeError(w, classified)
	if _, ok := classified.(*ClientError); !ok {
		d.closeSession(sess)
	}
}

// openRequest is the body of POST /api2/backup.
type openRequest struct {
	Datastore  string `json:"datastore"`
	BackupType string `json:"backup_type"`
	BackupID   string `json:"backup_id"`
	BackupTime int64  `json:"backup_time"`
	Benchmark  bool   `json:"benchmark"`
}

type openResponse struct {
	SessionID string `json:"session_id"`
}

func (d *Dispatcher) handleOpen(w http.ResponseWriter, r *http.Request) {
	principal, err := d.authenticator.Authenticate(r)
	if err != nil {
		writeError(w, &ClientError{Msg: "authentication failed", Err: err})
		return
	}

	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &ClientError{Msg: "malformed request body", Err: err})
		return
	}
	if req.Datastore == "" || req.BackupType == "" || req.BackupID == "" {
		writeError(w, &ClientError{Msg: "datastore, backup_type, and backup_id are required"})
		return
	}

	st, root, err := d.storeFor(req.Datastore)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			writeError(w, &ClientError{Msg: "unknown datastore", Err: err})
			return
		}
		writeError(w, &InternalError{Msg: "resolve datastore", Err: err})
		return
	}

	sess, err := d.openSession(principal.Name, req, st, root)
	if err != nil {
		writeError(w, err)
		return
	}

	d.sessions.put(sess)
	writeJSON(w, http.StatusOK, openResponse{SessionID: sess.id})
}

// openSession implements the session-open policy: group exclusivity,
// ownership, backup-time regression, benchmark pairing, and snapshot
// directory creation.
func (d *Dispatcher) openSession(principal string, req openRequest, st *store.Store, datastoreRoot string) (*backupSession, error) {
	sid := newSessionID()

	// The benchmark flag and the (host, benchmark) group only go together.
	if req.Benchmark != (req.BackupType == "host" && req.BackupID == "benchmark") {
		return nil, &ClientError{Msg: "benchmark sessions must use group host/benchmark, and that group accepts only benchmark sessions"}
	}

	if req.Benchmark {
		dir, err := os.MkdirTemp("", "backup-benchmark-*")
		if err != nil {
			return nil, &InternalError{Msg: "create benchmark dir", Err: err}
		}
		env := environment.New(environment.Config{Dir: dir, Store: st, FileMode: d.fileMode})
		return &backupSession{id: sid, principal: principal, datastore: req.Datastore, benchmark: true, env: env, dir: dir}, nil
	}

	ds, err := d.datastores.Get(req.Datastore)
	if err != nil {
		return nil, &InternalError{Msg: "resolve datastore", Err: err}
	}

	groupDir := d.groupDir(datastoreRoot, req.BackupType, req.BackupID)

	if err := checkOrClaimOwner(groupDir, principal); err != nil {
		if errors.Is(err, ErrOwnerMismatch) {
			return nil, &SessionError{Msg: "group is owned by a different principal", Err: err}
		}
		return nil, &InternalError{Msg: "check owner", Err: err}
	}

	if mostRecent, ok, err := group.MostRecentBackupTime(groupDir); err != nil {
		return nil, &InternalError{Msg: "check previous backup time", Err: err}
	} else if ok && req.BackupTime <= mostRecent {
		return nil, &SessionError{Msg: "backup_time does not advance past the most recent snapshot"}
	}

	handle, err := d.groupRegistry.Open(groupDir, req.BackupType, req.BackupID)
	if err != nil {
		if errors.Is(err, group.ErrGroupLocked) {
			return nil, &SessionError{Msg: "group already has an open session", Err: err}
		}
		return nil, &InternalError{Msg: "open group", Err: err}
	}

	snapDir := filepath.Join(groupDir, group.SnapshotDirName(req.BackupTime))
	if err := os.MkdirAll(snapDir, 0o750); err != nil {
		_ = handle.Close()
		return nil, &InternalError{Msg: "create snapshot directory", Err: err}
	}

	env := environment.New(environment.Config{
		Dir:          snapDir,
		Store:        st,
		CryptConfig:  cryptConfigFor(ds),
		PrevDir:      handle.PrevDir,
		PrevManifest: handle.PrevManifest,
		FileMode:     d.fileMode,
	})

	return &backupSession{
		id:          sid,
		principal:   principal,
		datastore:   req.Datastore,
		env:         env,
		groupHandle: handle,
		dir:         snapDir,
	}, nil
}

func (d *Dispatcher) session(r *http.Request) (*backupSession, error) {
	sid := r.PathValue("sid")
	sess, ok := d.sessions.get(sid)
	if !ok {
		return nil, &SessionError{Msg: "unknown session id"}
	}
	return sess, nil
}

func (d *Dispatcher) handleUploadBlob(w http.ResponseWriter, r *http.Request) {
	sess, err := d.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	name := r.URL.Query().Get("file-name")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, &ClientError{Msg: "read body", Err: err})
		return
	}
	if err := sess.env.UploadBlob(name, body); err != nil {
		d.respondEnvError(w, sess, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadChunkResponse struct {
	Digest string `json:"digest"`
}

func (d *Dispatcher) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	sess, err := d.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	digestHex := r.URL.Query().Get("digest")
	digest, err := parseDigest(digestHex)
	if err != nil {
		writeError(w, &ClientError{Msg: "malformed digest", Err: err})
		return
	}
	decodedSize, err := parseUint(r.URL.Query().Get("decoded_size"))
	if err != nil {
		writeError(w, &ClientError{Msg: "malformed decoded_size", Err: err})
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, &ClientError{Msg: "read body", Err: err})
		return
	}
	if err := sess.env.UploadChunk(digest, body, decodedSize); err != nil {
		d.respondEnvError(w, sess, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadChunkResponse{Digest: digestHex})
}

type createIndexRequest struct {
	Name      string `json:"name"`
	Size      uint64 `json:"size"`
	ChunkSize uint64 `json:"chunk_size"`
	ReuseCsum string `json:"reuse_csum,omitempty"`
}

type createIndexResponse struct {
	WriterID int `json:"writer_id"`
}

func (d *Dispatcher) handleCreateDynamicIndex(w http.ResponseWriter, r *http.Request) {
	sess, err := d.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createIndexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &ClientError{Msg: "malformed request body", Err: err})
		return
	}
	wid, err := sess.env.CreateDynamicWriter(req.Name)
	if err != nil {
		d.respondEnvError(w, sess, err)
		return
	}
	writeJSON(w, http.StatusOK, createIndexResponse{WriterID: wid})
}

func (d *Dispatcher) handleCreateFixedIndex(w http.ResponseWriter, r *http.Request) {
	sess, err := d.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createIndexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &ClientError{Msg: "malformed request body", Err: err})
		return
	}
	var reuse *[32]byte
	if req.ReuseCsum != "" {
		d, err := parseDigest(req.ReuseCsum)
		if err != nil {
			writeError(w, &ClientError{Msg: "malformed reuse_csum", Err: err})
			return
		}
		arr := [32]byte(d)
		reuse = &arr
	}
	wid, err := sess.env.CreateFixedWriter(req.Name, req.Size, req.ChunkSize, reuse)
	if err != nil {
		d.respondEnvError(w, sess, err)
		return
	}
	writeJSON(w, http.StatusOK, createIndexResponse{WriterID: wid})
}

type appendEntryDTO struct {
	Offset uint64 `json:"offset"`
	Digest string `json:"digest"`
}

type appendRequest struct {
	WriterID int              `json:"writer_id"`
	Entries  []appendEntryDTO `json:"entries"`
}

func toAppendEntries(dtos []appendEntryDTO) ([]environment.AppendEntry, error) {
	out := make([]environment.AppendEntry, len(dtos))
	for i, e := range dtos {
		d, err := parseDigest(e.Digest)
		if err != nil {
			return nil, err
		}
		out[i] = environment.AppendEntry{Offset: e.Offset, Digest: d}
	}
	return out, nil
}

func (d *Dispatcher) handleDynamicAppend(w http.ResponseWriter, r *http.Request) {
	sess, err := d.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &ClientError{Msg: "malformed request body", Err: err})
		return
	}
	entries, err := toAppendEntries(req.Entries)
	if err != nil {
		writeError(w, &ClientError{Msg: "malformed digest in entries", Err: err})
		return
	}
	if err := sess.env.DynamicAppend(req.WriterID, entries); err != nil {
		d.respondEnvError(w, sess, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *Dispatcher) handleFixedAppend(w http.ResponseWriter, r *http.Request) {
	sess, err := d.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &ClientError{Msg: "malformed request body", Err: err})
		return
	}
	entries, err := toAppendEntries(req.Entries)
	if err != nil {
		writeError(w, &ClientError{Msg: "malformed digest in entries", Err: err})
		return
	}
	if err := sess.env.FixedAppend(req.WriterID, entries); err != nil {
		d.respondEnvError(w, sess, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type closeRequest struct {
	WriterID   int    `json:"writer_id"`
	ChunkCount uint64 `json:"chunk_count"`
	Size       uint64 `json:"size"`
	Csum       string `json:"csum"`
}

func (d *Dispatcher) handleDynamicClose(w http.ResponseWriter, r *http.Request) {
	sess, err := d.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &ClientError{Msg: "malformed request body", Err: err})
		return
	}
	csum, err := parseDigest(req.Csum)
	if err != nil {
		writeError(w, &ClientError{Msg: "malformed csum", Err: err})
		return
	}
	if err := sess.env.DynamicClose(req.WriterID, req.ChunkCount, req.Size, [32]byte(csum)); err != nil {
		d.respondEnvError(w, sess, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *Dispatcher) handleFixedClose(w http.ResponseWriter, r *http.Request) {
	sess, err := d.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &ClientError{Msg: "malformed request body", Err: err})
		return
	}
	csum, err := parseDigest(req.Csum)
	if err != nil {
		writeError(w, &ClientError{Msg: "malformed csum", Err: err})
		return
	}
	if err := sess.env.FixedClose(req.WriterID, req.ChunkCount, req.Size, [32]byte(csum)); err != nil {
		d.respondEnvError(w, sess, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type finishRequest struct {
	Signature string `json:"signature,omitempty"`
}

func (d *Dispatcher) handleFinish(w http.ResponseWriter, r *http.Request) {
	sess, err := d.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req finishRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // signature is optional; ignore empty/absent body

	if err := sess.env.Finish(req.Signature); err != nil {
		d.respondEnvError(w, sess, err)
		return
	}
	d.closeSession(sess)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// closeSession releases a session's group handle (and, for benchmark
// sessions, its scratch directory) once its Environment has reached a
// terminal state. Unfinished or errored sessions are removed rather than
// left dangling.
func (d *Dispatcher) closeSession(sess *backupSession) {
	d.sessions.remove(sess.id)

	if sess.benchmark {
		_ = sess.env.RemoveBackup()
		return
	}
	if sess.env.State() != environment.StateFinished {
		_ = sess.env.RemoveBackup()
	}
	if sess.groupHandle != nil {
		_ = sess.groupHandle.Close()
	}
}

func (d *Dispatcher) handleSpeedtest(w http.ResponseWriter, r *http.Request) {
	if _, err := d.session(r); err != nil {
		writeError(w, err)
		return
	}
	n, _ := io.Copy(io.Discard, r.Body)
	writeJSON(w, http.StatusOK, map[string]int64{"received": n})
}

type previousEntryResponse struct {
	ArchiveName string `json:"archive_name"`
	Size        uint64 `json:"size"`
	Csum        string `json:"csum"`
}

func (d *Dispatcher) handlePrevious(w http.ResponseWriter, r *http.Request) {
	datastoreName := r.URL.Query().Get("datastore")
	backupType := r.URL.Query().Get("backup_type")
	backupID := r.URL.Query().Get("backup_id")

	_, root, err := d.storeFor(datastoreName)
	if err != nil {
		writeError(w, &ClientError{Msg: "unknown datastore", Err: err})
		return
	}
	groupDir := d.groupDir(root, backupType, backupID)

	snapDir, _, err := d.mostRecentUsableSnapshot(groupDir)
	if err != nil {
		writeError(w, &InternalError{Msg: "scan group", Err: err})
		return
	}
	if snapDir == "" {
		writeJSON(w, http.StatusOK, []previousEntryResponse{})
		return
	}

	m, err := manifest.Decode(mustReadManifest(snapDir))
	if err != nil {
		writeJSON(w, http.StatusOK, []previousEntryResponse{})
		return
	}
	out := make([]previousEntryResponse, len(m.Files))
	for i, f := range m.Files {
		out[i] = previousEntryResponse{ArchiveName: f.ArchiveName, Size: f.Size, Csum: f.Csum}
	}
	writeJSON(w, http.StatusOK, out)
}

func (d *Dispatcher) mostRecentUsableSnapshot(groupDir string) (string, int64, error) {
	t, ok, err := group.MostRecentBackupTime(groupDir)
	if err != nil || !ok {
		return "", 0, err
	}
	return filepath.Join(groupDir, group.SnapshotDirName(t)), t, nil
}

func mustReadManifest(snapDir string) []byte {
	b, _ := os.ReadFile(filepath.Join(snapDir, manifest.FileName))
	return b
}

func (d *Dispatcher) handlePreviousBackupTime(w http.ResponseWriter, r *http.Request) {
	datastoreName := r.URL.Query().Get("datastore")
	backupType := r.URL.Query().Get("backup_type")
	backupID := r.URL.Query().Get("backup_id")

	_, root, err := d.storeFor(datastoreName)
	if err != nil {
		writeError(w, &ClientError{Msg: "unknown datastore", Err: err})
		return
	}
	groupDir := d.groupDir(root, backupType, backupID)

	t, ok, err := group.MostRecentBackupTime(groupDir)
	if err != nil {
		writeError(w, &InternalError{Msg: "scan group", Err: err})
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"backup_time": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backup_time": t})
}

func parseUint(s string) (uint64, error) {
	var n uint64
	if s == "" {
		return 0, errors.New("value is required")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.New("value must be a non-negative integer")
		}
		n = n*10 + uint64(c-'0')
	}
	return n, nil
}

func parseDigest(hexStr string) (store.Digest, error) {
	var d store.Digest
	if len(hexStr) != 64 {
		return d, errors.New("digest must be 64 hex characters")
	}
	b, err := hexDecode(hexStr)
	if err != nil {
		return d, err
	}
	copy(d[:], b)
	return d, nil
}

func hexDecode(s string) ([]byte, error) {
	out := make([]byte, len(s)/2)
	for i := range out {
		hi, err := hexVal(s[2*i])
		if err != nil {
			return nil, err
		}
		lo, err := hexVal(s[2*i+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexVal(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, errors.New("invalid hex digit")
	}
}

// classifyEnvError maps internal/environment (and the writer packages it
// delegates to) sentinel errors onto the dispatcher's HTTP-facing error
// taxonomy: ClientError leaves the session open, the others force it to
// REMOVED.
func classifyEnvError(err error) error {
	switch {
	case errors.Is(err, environment.ErrBadName),
		errors.Is(err, environment.ErrChunkTooLarge),
		errors.Is(err, environment.ErrDuplicateMismatch),
		errors.Is(err, environment.ErrUnknownChunk),
		errors.Is(err, environment.ErrUnknownWriter),
		errors.Is(err, environment.ErrWrongWriterKind),
		errors.Is(err, environment.ErrCsumMismatch),
		errors.Is(err, environment.ErrWritersOpen),
		errors.Is(err, environment.ErrEmpty),
		errors.Is(err, environment.ErrNoPreviousBackup),
		errors.Is(err, environment.ErrNameInUse),
		errors.Is(err, fixed.ErrOffsetMisaligned),
		errors.Is(err, fixed.ErrSizeMismatch),
		errors.Is(err, fixed.ErrOutOfRange),
		errors.Is(err, fixed.ErrCountMismatch),
		errors.Is(err, fixed.ErrCsumMismatch),
		errors.Is(err, fixed.ErrClosed),
		errors.Is(err, dynamic.ErrNonMonotonic),
		errors.Is(err, dynamic.ErrGap),
		errors.Is(err, dynamic.ErrCountMismatch),
		errors.Is(err, dynamic.ErrSizeMismatch),
		errors.Is(err, dynamic.ErrCsumMismatch),
		errors.Is(err, dynamic.ErrClosed):
		return &ClientError{Msg: err.Error(), Err: err}
	case errors.Is(err, environment.ErrSessionClosed):
		return &SessionError{Msg: err.Error(), Err: err}
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrCorruptChunk):
		return &StorageError{Msg: err.Error(), Err: err}
	default:
		return &InternalError{Msg: err.Error(), Err: err}
	}
}
