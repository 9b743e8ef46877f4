package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"upload-relay/internal/db"
	"upload-relay/internal/relay"
	"upload-relay/internal/settle"
	"upload-relay/internal/staging"
	"upload-relay/internal/storage"
)

// fakeStore records puts and fails the keys listed in fail.
type fakeStore struct {
	mu      sync.Mutex
	puts    map[string][]byte
	fail    map[string]bool
	pingErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{puts: map[string][]byte{}, fail: map[string]bool{}}
}

func (f *fakeStore) PutFile(_ context.Context, key, localPath string, _ storage.PutOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[key] {
		return errors.New("injected relay failure")
	}
	b, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.puts[key] = b
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }
func (f *fakeStore) Bucket() string             { return "fitcheck-photos" }
func (f *fakeStore) Backend() string            { return "fake" }

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

type fakeLedger struct {
	mu        sync.Mutex
	recorded  [][]relay.Outcome
	recordErr error
	panics    bool
	records   []db.Record
}

func (l *fakeLedger) Record(_ context.Context, _, _, _ string, outcomes []relay.Outcome) error {
	if l.panics {
		panic("ledger exploded")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recorded = append(l.recorded, outcomes)
	return l.recordErr
}

func (l *fakeLedger) ListByCorrelation(_ context.Context, correlationID string, _ int) ([]db.Record, error) {
	var out []db.Record
	for _, r := range l.records {
		if r.CorrelationID == correlationID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *fakeLedger) Ping(context.Context) error { return nil }

type testFile struct {
	field, name, body string
}

func buildMultipart(t *testing.T, fields map[string]string, files []testFile) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(f.body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

type testEnv struct {
	srv        *Server
	store      *fakeStore
	stagingDir string
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "staging")
	w, err := staging.NewWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	store := newFakeStore()
	cfg := Config{
		Relay:          relay.New(store, relay.WithRetry(0, time.Millisecond)),
		Stager:         w,
		RequestTimeout: 30 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := New(cfg)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &testEnv{srv: srv, store: store, stagingDir: dir}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) post(t *testing.T, fields map[string]string, files []testFile) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := buildMultipart(t, fields, files)
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", ct)
	return e.do(t, req)
}

func (e *testEnv) assertStagingEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.stagingDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, en := range entries {
			names = append(names, en.Name())
		}
		t.Errorf("staging directory not empty: %v", names)
	}
}

func decodeUpload(t *testing.T, rr *httptest.ResponseRecorder) uploadResponse {
	t.Helper()
	var resp uploadResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return resp
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return resp
}

func nFiles(n int) []testFile {
	files := make([]testFile, n)
	for i := range files {
		files[i] = testFile{field: "photos", name: fmt.Sprintf("p%d.jpg", i), body: strings.Repeat("x", 10+i)}
	}
	return files
}

func TestUpload_MethodGate(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		rr := env.do(t, httptest.NewRequest(method, "/", nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected 405, got %d", method, rr.Code)
		}
		if got := rr.Header().Get("Allow"); got != http.MethodPost {
			t.Errorf("%s: Allow = %q", method, got)
		}
		if rr.Body.Len() != 0 {
			t.Errorf("%s: expected empty body, got %q", method, rr.Body.String())
		}
	}
	if env.store.count() != 0 {
		t.Error("store should not be called")
	}
}

func TestUpload_StagingIsAlwaysCleaned(t *testing.T) {
	for _, n := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("files=%d", n), func(t *testing.T) {
			env := newTestEnv(t, nil)
			rr := env.post(t, map[string]string{"fitcheckId": "abc"}, nFiles(n))

			want := http.StatusOK
			if n == 0 {
				want = http.StatusInternalServerError
			}
			if rr.Code != want {
				t.Fatalf("expected %d, got %d: %s", want, rr.Code, rr.Body.String())
			}
			env.assertStagingEmpty(t)
		})
	}
}

func TestUpload_ResultCountMatchesDeclaredFiles(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.fail["abc/0_p0.jpg"] = true
	env.store.fail["abc/3_p3.jpg"] = true

	rr := env.post(t, map[string]string{"fitcheckId": "abc"}, nFiles(4))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	resp := decodeUpload(t, rr)
	if resp.Result.FilesProcessed != 4 || len(resp.Result.FileResults) != 4 {
		t.Fatalf("filesProcessed=%d fileResults=%d", resp.Result.FilesProcessed, len(resp.Result.FileResults))
	}
	for i, o := range resp.Result.FileResults {
		if o.Filename != fmt.Sprintf("p%d.jpg", i) {
			t.Errorf("result %d is %q, order not preserved", i, o.Filename)
		}
	}
}

func TestUpload_PartialFailureIsIsolated(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.fail["abc/1_b.jpg"] = true

	rr := env.post(t, map[string]string{"fitcheckId": "abc"}, []testFile{
		{"photos", "a.jpg", "aaa"},
		{"photos", "b.jpg", "bbb"},
		{"photos", "c.jpg", "ccc"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	resp := decodeUpload(t, rr)
	if resp.Status != "partial" {
		t.Errorf("status = %q, want partial", resp.Status)
	}
	var ok, failed int
	for _, o := range resp.Result.FileResults {
		switch o.Status {
		case relay.StatusSuccess:
			ok++
		case relay.StatusError:
			failed++
			if o.Filename != "b.jpg" || o.Error == "" {
				t.Errorf("unexpected failed outcome %+v", o)
			}
		}
	}
	if ok != 2 || failed != 1 {
		t.Errorf("got %d success and %d error outcomes", ok, failed)
	}
	env.assertStagingEmpty(t)
}

func TestUpload_ZeroFilesIsPreconditionFailure(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.post(t, map[string]string{"fitcheckId": "abc"}, nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	resp := decodeError(t, rr)
	if resp.Error != "Upload failed" || resp.Message != "no files were saved successfully" {
		t.Errorf("unexpected body %+v", resp)
	}
	if env.store.count() != 0 {
		t.Error("store should not be called")
	}
}

func TestUpload_KeysAreDeterministic(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.post(t, map[string]string{"fitcheckId": "abc"}, []testFile{
		{"photos", "a.jpg", "first"},
		{"photos", "b.jpg", "second"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if got := string(env.store.puts["abc/0_a.jpg"]); got != "first" {
		t.Errorf("abc/0_a.jpg = %q", got)
	}
	if got := string(env.store.puts["abc/1_b.jpg"]); got != "second" {
		t.Errorf("abc/1_b.jpg = %q", got)
	}

	resp := decodeUpload(t, rr)
	if resp.Status != "success" || resp.Result.FileResults[1].Key != "abc/1_b.jpg" {
		t.Errorf("unexpected response %+v", resp)
	}
	if _, err := time.Parse(time.RFC3339, resp.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", resp.Timestamp, err)
	}
}

func TestUpload_WithoutCorrelationUsesFlatKeys(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.post(t, map[string]string{"note": "hi"}, []testFile{{"photos", "a.jpg", "x"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if _, ok := env.store.puts["a.jpg"]; !ok {
		t.Errorf("expected flat key a.jpg, got %v", env.store.puts)
	}
	resp := decodeUpload(t, rr)
	if resp.Result.DataReceived["note"] != "hi" {
		t.Errorf("dataReceived = %v", resp.Result.DataReceived)
	}
}

func TestUpload_CustomCorrelationField(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.CorrelationField = "sessionId" })

	rr := env.post(t, map[string]string{"sessionId": "s1", "fitcheckId": "ignored"}, []testFile{{"f", "a.jpg", "x"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if _, ok := env.store.puts["s1/0_a.jpg"]; !ok {
		t.Errorf("puts = %v", env.store.puts)
	}
}

func TestUpload_MalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("this is not a multipart body"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=XYZ")
	rr := env.do(t, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if resp := decodeError(t, rr); resp.Error == "" {
		t.Error("expected error envelope")
	}
	env.assertStagingEmpty(t)
}

func TestUpload_TruncatedFilePart(t *testing.T) {
	env := newTestEnv(t, nil)

	body := "--XYZ\r\n" +
		"Content-Disposition: form-data; name=\"photos\"; filename=\"a.jpg\"\r\n" +
		"Content-Type: image/jpeg\r\n\r\n" +
		"half a photo and then the connection dies"
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=XYZ")
	rr := env.do(t, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	if env.store.count() != 0 {
		t.Error("store should not be called")
	}
	env.assertStagingEmpty(t)
}

func TestUpload_NotMultipart(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`))
	req.Header.Set("Content-Type", "application/json")
	rr := env.do(t, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestUpload_TooLarge(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxUploadBytes = 512 })

	rr := env.post(t, nil, []testFile{{"photos", "big.jpg", strings.Repeat("x", 4096)}})
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rr.Code, rr.Body.String())
	}
	env.assertStagingEmpty(t)
}

func TestUpload_FieldTooLarge(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.post(t, map[string]string{"fitcheckId": strings.Repeat("a", maxFieldBytes+1)}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestUpload_LedgerRecordsOutcomes(t *testing.T) {
	ledger := &fakeLedger{}
	env := newTestEnv(t, func(c *Config) { c.Ledger = ledger })

	rr := env.post(t, map[string]string{"fitcheckId": "abc"}, nFiles(2))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(ledger.recorded) != 1 || len(ledger.recorded[0]) != 2 {
		t.Errorf("recorded = %+v", ledger.recorded)
	}
}

func TestUpload_LedgerFailureDoesNotChangeResponse(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Ledger = &fakeLedger{recordErr: errors.New("db down")} })

	rr := env.post(t, map[string]string{"fitcheckId": "abc"}, nFiles(1))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestUpload_PanicStillCleansUp(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Ledger = &fakeLedger{panics: true} })

	rr := env.post(t, map[string]string{"fitcheckId": "abc"}, nFiles(3))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if resp := decodeError(t, rr); resp.Error == "" || resp.Message == "" {
		t.Errorf("unexpected body %+v", resp)
	}
	env.assertStagingEmpty(t)
}

func TestUpload_RequestIDEchoed(t *testing.T) {
	env := newTestEnv(t, nil)

	body, ct := buildMultipart(t, nil, nFiles(1))
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-Request-Id", "req-123")
	rr := env.do(t, req)

	if got := rr.Header().Get("X-Request-Id"); got != "req-123" {
		t.Errorf("X-Request-Id = %q", got)
	}
}

func TestUpload_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RateLimit = 1 })

	if rr := env.post(t, nil, nFiles(1)); rr.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rr.Code)
	}
	rr := env.post(t, nil, nFiles(1))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rr.Code)
	}
	if resp := decodeError(t, rr); resp.Error != "Rate limit exceeded" {
		t.Errorf("unexpected body %+v", resp)
	}
}

func TestUpload_DeadlineReturns504(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RequestTimeout = 300 * time.Millisecond })
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	conn, err := net.Dial("tcp", ts.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Announce a large body, send the start of one file, then stall.
	_, err = fmt.Fprint(conn, "POST / HTTP/1.1\r\n"+
		"Host: relay\r\n"+
		"Content-Type: multipart/form-data; boundary=XYZ\r\n"+
		"Content-Length: 100000\r\n\r\n"+
		"--XYZ\r\n"+
		"Content-Disposition: form-data; name=\"photos\"; filename=\"slow.jpg\"\r\n\r\n"+
		"the first few bytes")
	if err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", resp.StatusCode)
	}
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error != "Upload timed out" {
		t.Errorf("unexpected body %+v", body)
	}
	env.assertStagingEmpty(t)
}

// splitStager sends the part named failName to a writer whose directory is
// gone, so only that file fails to stage.
type splitStager struct {
	ok       Stager
	broken   *staging.Writer
	failName string
}

func (s *splitStager) Stage(index int, part staging.FilePart) *staging.Unit {
	if part.Filename == s.failName {
		return s.broken.Stage(index, part)
	}
	return s.ok.Stage(index, part)
}

func (s *splitStager) Dir() string { return s.ok.Dir() }

func brokenWriter(t *testing.T) *staging.Writer {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "gone")
	w, err := staging.NewWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	return w
}

func TestUpload_AllFilesFailToStage(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := os.RemoveAll(env.stagingDir); err != nil {
		t.Fatal(err)
	}

	rr := env.post(t, map[string]string{"fitcheckId": "abc"}, nFiles(2))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeError(t, rr)
	if resp.Error != "Upload failed" || resp.Message != "no files were saved successfully" {
		t.Errorf("unexpected body %+v", resp)
	}
	if env.store.count() != 0 {
		t.Errorf("store called %d times, want 0", env.store.count())
	}
	entries, err := os.ReadDir(env.stagingDir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("staging directory not empty: %d entries", len(entries))
	}
}

func TestUpload_StagingFailureKeepsItsSlot(t *testing.T) {
	broken := brokenWriter(t)
	env := newTestEnv(t, func(c *Config) {
		c.Stager = &splitStager{ok: c.Stager, broken: broken, failName: "b.jpg"}
	})

	rr := env.post(t, map[string]string{"fitcheckId": "abc"}, []testFile{
		{"photos", "a.jpg", "aaa"},
		{"photos", "b.jpg", "bbb"},
		{"photos", "c.jpg", "ccc"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	resp := decodeUpload(t, rr)
	if resp.Status != "partial" {
		t.Errorf("status = %q, want partial", resp.Status)
	}
	results := resp.Result.FileResults
	if resp.Result.FilesProcessed != 3 || len(results) != 3 {
		t.Fatalf("got %d results (filesProcessed %d), want 3", len(results), resp.Result.FilesProcessed)
	}

	failed := results[1]
	if failed.Filename != "b.jpg" || failed.Status != relay.StatusError || failed.Error == "" || failed.Key != "" {
		t.Errorf("failed slot = %+v", failed)
	}
	if failed.StagingPath == "" {
		t.Error("failed slot lost its staging path")
	}
	if results[0].Key != "abc/0_a.jpg" || results[2].Key != "abc/2_c.jpg" {
		t.Errorf("keys = %q, %q", results[0].Key, results[2].Key)
	}
	if env.store.count() != 2 {
		t.Errorf("store called %d times, want 2", env.store.count())
	}
	env.assertStagingEmpty(t)
}

func TestWithUnitIdentity(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "staging")
	w, err := staging.NewWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	units := []*staging.Unit{
		w.Stage(0, staging.FilePart{Filename: "a.jpg", Content: strings.NewReader("a")}),
		w.Stage(1, staging.FilePart{Filename: "b.jpg", Content: strings.NewReader("b")}),
	}
	t.Cleanup(func() {
		for _, u := range units {
			_, _ = u.Wait()
			_ = os.Remove(u.Path())
		}
	})

	results := settle.Each(context.Background(), units, 0, func(_ context.Context, i int, u *staging.Unit) (staging.StagedFile, error) {
		if i == 1 {
			panic("verify blew up")
		}
		return u.Wait()
	})
	results = withUnitIdentity(units, results)

	if results[1].OK() {
		t.Fatal("panicked item should settle with an error")
	}
	if got := results[1].Value; got.OriginalFilename != "b.jpg" || got.Path != units[1].Path() {
		t.Errorf("identity not restored: %+v", got)
	}
	if results[0].Value.OriginalFilename != "a.jpg" || !results[0].OK() {
		t.Errorf("healthy item changed: %+v", results[0])
	}
}
