package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dharsanguruparan/PackCam/internal/camera"
	"github.com/dharsanguruparan/PackCam/internal/logging"
	"github.com/dharsanguruparan/PackCam/internal/metadata"
	"github.com/dharsanguruparan/PackCam/internal/recording"
	"github.com/dharsanguruparan/PackCam/internal/scanner"
	"github.com/dharsanguruparan/PackCam/internal/signing"
	"github.com/dharsanguruparan/PackCam/internal/station"
)

type fakeStation struct {
	mu         sync.Mutex
	scans      []string
	toggled    []string
	toggleErr  error
	limitErr   error
	limit      int
	autoDelete bool
	operator   recording.Operator
	camera     int
	alerts     []station.Alert
}

func (f *fakeStation) Status() station.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return station.Status{
		Ready:      true,
		Limit:      time.Duration(f.limit) * time.Second,
		Operator:   f.operator,
		AutoDelete: f.autoDelete,
		Camera:     station.CameraStatus{Index: f.camera, State: "open"},
	}
}

func (f *fakeStation) Scan(port, line string) {
	f.mu.Lock()
	f.scans = append(f.scans, port+":"+line)
	f.mu.Unlock()
}

func (f *fakeStation) Toggle(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggled = append(f.toggled, orderID)
	return f.toggleErr
}

func (f *fakeStation) StopRecording(context.Context) error { return nil }

func (f *fakeStation) Cameras() []camera.Info {
	return []camera.Info{{Index: 1, Width: 640, Height: 480, Label: camera.Label(1, 640, 480)}}
}

func (f *fakeStation) SelectCamera(index int) error {
	if index > 3 {
		return camera.ErrDeviceUnavailable
	}
	f.mu.Lock()
	f.camera = index
	f.mu.Unlock()
	return nil
}

func (f *fakeStation) UpdateCameraSetting(name string, _ int) error {
	if name != camera.SettingBrightness {
		return camera.ErrUnknownSetting
	}
	return nil
}

func (f *fakeStation) Ports() ([]scanner.PortInfo, error) {
	return []scanner.PortInfo{{Name: "COM3"}}, nil
}

func (f *fakeStation) SelectScanner(string) error { return nil }

func (f *fakeStation) SetLimit(seconds int) error {
	if f.limitErr != nil {
		return f.limitErr
	}
	f.mu.Lock()
	f.limit = seconds
	f.mu.Unlock()
	return nil
}

func (f *fakeStation) SetAutoDelete(v bool) {
	f.mu.Lock()
	f.autoDelete = v
	f.mu.Unlock()
}

func (f *fakeStation) SetOperator(op recording.Operator) {
	f.mu.Lock()
	f.operator = op
	f.mu.Unlock()
}

func (f *fakeStation) Alerts() []station.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]station.Alert(nil), f.alerts...)
}

func (f *fakeStation) DismissAlert(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, a := range f.alerts {
		if a.ID == id {
			f.alerts = append(f.alerts[:i], f.alerts[i+1:]...)
			return nil
		}
	}
	return station.ErrAlertNotFound
}

type fakePreview struct{ jpeg []byte }

func (p fakePreview) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusTeapot)
}

func (p fakePreview) Snapshot() ([]byte, error) {
	if p.jpeg == nil {
		return nil, errors.New("no frame")
	}
	return p.jpeg, nil
}

type testServer struct {
	st      *fakeStation
	store   *metadata.Store
	signer  *signing.Signer
	dir     string
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()
	ts := &testServer{
		st:     &fakeStation{},
		store:  metadata.NewStore(filepath.Join(root, "metadata")),
		signer: signing.NewSigner([]byte("secret")),
		dir:    filepath.Join(root, "temp_videos"),
	}
	if err := os.MkdirAll(ts.dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	srv := New(Options{RecordingsDir: ts.dir, SignedURLTTL: time.Minute}, ts.st, ts.store, ts.signer, fakePreview{jpeg: []byte{0xff, 0xd8}}, logging.Discard())
	ts.handler = srv.Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndStatus(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	rec := ts.do(t, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var st station.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Ready {
		t.Fatalf("status not ready")
	}
	if rec := ts.do(t, http.MethodPost, "/status", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /status = %d", rec.Code)
	}
}

func TestScanQueuesLine(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/scan", `{"code":"https://shop.test/qr/100"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("scan = %d", rec.Code)
	}
	if len(ts.st.scans) != 1 || ts.st.scans[0] != "api:https://shop.test/qr/100" {
		t.Fatalf("scans = %v", ts.st.scans)
	}
	if rec := ts.do(t, http.MethodPost, "/scan", `{"code":"  "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty scan = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/scan", `not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json = %d", rec.Code)
	}
}

func TestRecordMapsErrors(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodPost, "/record", `{"orderId":"100"}`); rec.Code != http.StatusOK {
		t.Fatalf("record = %d", rec.Code)
	}
	cases := []struct {
		err  error
		want int
	}{
		{station.ErrNotReady, http.StatusServiceUnavailable},
		{station.ErrNoCamera, http.StatusConflict},
		{recording.ErrWriterInit, http.StatusInternalServerError},
	}
	for _, c := range cases {
		ts.st.toggleErr = c.err
		if rec := ts.do(t, http.MethodPost, "/record", `{"orderId":"100"}`); rec.Code != c.want {
			t.Fatalf("record with %v = %d, want %d", c.err, rec.Code, c.want)
		}
	}
}

func TestSettingsEndpoints(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodPost, "/limit", `{"seconds":10}`); rec.Code != http.StatusOK {
		t.Fatalf("limit = %d", rec.Code)
	}
	if ts.st.limit != 10 {
		t.Fatalf("limit = %d, want 10", ts.st.limit)
	}
	ts.st.limitErr = station.ErrInvalidLimit
	if rec := ts.do(t, http.MethodPost, "/limit", `{"seconds":7}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/auto-delete", `{"enabled":true}`); rec.Code != http.StatusOK || !ts.st.autoDelete {
		t.Fatalf("auto-delete = %d, %v", rec.Code, ts.st.autoDelete)
	}
	if rec := ts.do(t, http.MethodPost, "/operator", `{"name":"Dana","id":"7"}`); rec.Code != http.StatusOK {
		t.Fatalf("operator = %d", rec.Code)
	}
	if ts.st.operator.Name != "Dana" || ts.st.operator.ID != "7" {
		t.Fatalf("operator = %+v", ts.st.operator)
	}
	if rec := ts.do(t, http.MethodPost, "/camera", `{"index":2}`); rec.Code != http.StatusOK || ts.st.camera != 2 {
		t.Fatalf("camera = %d, index %d", rec.Code, ts.st.camera)
	}
	if rec := ts.do(t, http.MethodPost, "/camera", `{"index":9}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("missing camera = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/camera/settings", `{"name":"zoom","value":1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown setting = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/cameras", ""); rec.Code != http.StatusOK {
		t.Fatalf("cameras = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/ports", ""); rec.Code != http.StatusOK {
		t.Fatalf("ports = %d", rec.Code)
	}
}

func TestMetadataRoutes(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodGet, "/metadata/100", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing metadata = %d", rec.Code)
	}
	if _, err := ts.store.Save(metadata.Entry{OrderID: "100", User: "Dana", VideoURL: "https://cdn.test/v"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	rec := ts.do(t, http.MethodGet, "/metadata/100?latest=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("latest = %d", rec.Code)
	}
	var sc metadata.Sidecar
	if err := json.NewDecoder(rec.Body).Decode(&sc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sc.ID != "100" || sc.User != "Dana" {
		t.Fatalf("sidecar = %+v", sc)
	}
	if rec := ts.do(t, http.MethodGet, "/metadata", ""); rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/metadata/100", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/metadata/100", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete = %d", rec.Code)
	}
}

func TestMetadataRejectsPatterns(t *testing.T) {
	ts := newTestServer(t)
	for _, order := range []string{"100", "200", "300"} {
		if _, err := ts.store.Save(metadata.Entry{OrderID: order}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if rec := ts.do(t, http.MethodDelete, "/metadata/*", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("DELETE /metadata/* = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/metadata/1*", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("GET /metadata/1* = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/metadata/1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("order 1 must not match order 100: %d", rec.Code)
	}
	list, err := ts.store.List()
	if err != nil || len(list) != 3 {
		t.Fatalf("sidecars should be untouched: %d %v", len(list), err)
	}
}

func TestAlertRoutes(t *testing.T) {
	ts := newTestServer(t)
	ts.st.alerts = []station.Alert{{ID: "a1", Kind: "upload.failed", Message: "upload of 100 failed"}}
	rec := ts.do(t, http.MethodGet, "/alerts", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("alerts = %d", rec.Code)
	}
	var alerts []station.Alert
	if err := json.NewDecoder(rec.Body).Decode(&alerts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(alerts) != 1 || alerts[0].ID != "a1" {
		t.Fatalf("alerts = %+v", alerts)
	}
	if rec := ts.do(t, http.MethodDelete, "/alerts/a1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("dismiss = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/alerts/a1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second dismiss = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/alerts/a1", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST alert = %d", rec.Code)
	}
}

func TestSignedDownload(t *testing.T) {
	ts := newTestServer(t)
	name := "100_20240101_120000.mp4"
	if err := os.WriteFile(filepath.Join(ts.dir, name), []byte("video bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec := ts.do(t, http.MethodPost, "/recordings/missing.mp4/signed-url", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing recording = %d", rec.Code)
	}
	rec := ts.do(t, http.MethodPost, "/recordings/"+name+"/signed-url", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("signed-url = %d", rec.Code)
	}
	var link signing.Link
	if err := json.NewDecoder(rec.Body).Decode(&link); err != nil {
		t.Fatalf("decode link: %v", err)
	}
	rec = ts.do(t, http.MethodGet, link.URL, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("download = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "video bytes" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Fatalf("content type = %q", ct)
	}

	tampered := strings.Replace(link.URL, "signature=", "signature=00", 1)
	if rec := ts.do(t, http.MethodGet, tampered, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("tampered download = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/download?file="+name, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing params = %d", rec.Code)
	}
}

func TestSignedURLRejectsHiddenFiles(t *testing.T) {
	ts := newTestServer(t)
	if err := os.WriteFile(filepath.Join(ts.dir, ".secret.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec := ts.do(t, http.MethodGet, "/recordings/.secret.mp4/signed-url", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("hidden file = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/recordings/a/b/signed-url", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("nested path = %d", rec.Code)
	}
}

func TestPreviewRoutes(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/preview.jpg", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("snapshot = %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if rec := ts.do(t, http.MethodGet, "/preview", ""); rec.Code != http.StatusTeapot {
		t.Fatalf("preview handler not mounted: %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodOptions, "/record", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}
