package controlplane

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/dfrysinger/hatchery/internal/markers"
)

type fakeStatus struct{}

func (fakeStatus) Status(ctx context.Context) (any, error)         { return map[string]string{"state": "healthy"}, nil }
func (fakeStatus) Health(ctx context.Context) (any, error)         { return "ok", nil }
func (fakeStatus) ConfigMetadata(ctx context.Context) (any, error) { return map[string]string{}, nil }
func (fakeStatus) Stages(ctx context.Context) (any, error)         { return []string{"boot"}, nil }
func (fakeStatus) LogExcerpt(ctx context.Context) (any, error)     { return "log lines", nil }

type fakeWriter struct {
	habitat, agents []byte
}

func (f *fakeWriter) WriteHabitat(data []byte) error  { f.habitat = data; return nil }
func (f *fakeWriter) WriteAgentLib(data []byte) error { f.agents = data; return nil }

type fakeService struct {
	applied, synced, shutdown bool
}

func (f *fakeService) Apply(ctx context.Context) error           { f.applied = true; return nil }
func (f *fakeService) Sync(ctx context.Context) error            { f.synced = true; return nil }
func (f *fakeService) PrepareShutdown(ctx context.Context) error { f.shutdown = true; return nil }

func sign(secret, method, path string, body []byte, ts time.Time) (string, string) {
	tsStr := strconv.FormatInt(ts.Unix(), 10)
	message := fmt.Sprintf("%s.%s.%s.%s", tsStr, method, path, body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return tsStr, hex.EncodeToString(mac.Sum(nil))
}

func newTestServer(t *testing.T, secret string) (*Server, *fakeWriter, *fakeService, *markers.Store) {
	t.Helper()
	w := &fakeWriter{}
	svc := &fakeService{}
	m := markers.New(t.TempDir())
	s := New(Server{
		Secret:  secret,
		Status:  fakeStatus{},
		Writer:  w,
		Service: svc,
		Markers: m,
	})
	return s, w, svc, m
}

func TestStatus_UnauthenticatedEndpointsRequireNoSignature(t *testing.T) {
	s, _, _, _ := newTestServer(t, "secret")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	for _, path := range []string{"/status", "/health", "/config/status"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestHMACEndpoints_RejectMissingOrWrongSignature(t *testing.T) {
	s, _, _, _ := newTestServer(t, "secret")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stages")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for unsigned request, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/stages", nil)
	req.Header.Set("X-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("X-Signature", "deadbeef")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong signature, got %d", resp2.StatusCode)
	}
}

func TestHMACEndpoints_AcceptValidSignature(t *testing.T) {
	s, _, _, _ := newTestServer(t, "secret")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	ts, sig := sign("secret", http.MethodGet, "/stages", nil, time.Now())
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/stages", nil)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", sig)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for valid signature, got %d", resp.StatusCode)
	}
}

func TestHMACEndpoints_RejectStaleTimestamp(t *testing.T) {
	s, _, _, _ := newTestServer(t, "secret")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	old := time.Now().Add(-10 * time.Minute)
	ts, sig := sign("secret", http.MethodGet, "/stages", nil, old)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/stages", nil)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", sig)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for stale timestamp outside replay window, got %d", resp.StatusCode)
	}
}

func TestConfigUpload_WritesFilesAndSchedulesApply(t *testing.T) {
	s, w, svc, m := newTestServer(t, "secret")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{
		"habitat": map[string]string{"name": "habitat-1"},
		"agents":  map[string]string{"scout": "ok"},
		"apply":   true,
	})

	ts, sig := sign("secret", http.MethodPost, "/config/upload", body, time.Now())
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/config/upload", bytes.NewReader(body))
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", sig)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(w.habitat) == 0 || len(w.agents) == 0 {
		t.Error("expected both habitat and agents to be written")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !svc.applied {
		time.Sleep(10 * time.Millisecond)
	}
	if !svc.applied {
		t.Error("expected apply to be scheduled after upload with apply=true")
	}

	if _, ok := m.ReadTime(markers.ConfigAPIUploaded); !ok {
		t.Error("expected config_api_uploaded marker to be recorded")
	}
}

func TestConfigUpload_AcceptsTwoFilesEachUnderPerFileLimitEvenIfCombinedOverOneMiB(t *testing.T) {
	s, w, _, _ := newTestServer(t, "secret")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	// Each field individually stays under MaxUploadBodyBytes, but the two
	// together exceed it — the envelope limit, not the per-file limit,
	// must be what governs whether the middleware buffers the body at all.
	habitat, _ := json.Marshal(map[string]string{"padding": pad(MaxUploadBodyBytes - 4096)})
	agents, _ := json.Marshal(map[string]string{"padding": pad(MaxUploadBodyBytes - 4096)})

	body, _ := json.Marshal(map[string]json.RawMessage{
		"habitat": habitat,
		"agents":  agents,
	})

	ts, sig := sign("secret", http.MethodPost, "/config/upload", body, time.Now())
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/config/upload", bytes.NewReader(body))
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", sig)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for two sub-limit files whose combined size exceeds MaxUploadBodyBytes, got %d", resp.StatusCode)
	}
	if len(w.habitat) == 0 || len(w.agents) == 0 {
		t.Error("expected both habitat and agents to be written")
	}
}

func TestConfigUpload_RejectsSingleFileOverPerFileLimit(t *testing.T) {
	s, _, _, _ := newTestServer(t, "secret")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	habitat, _ := json.Marshal(map[string]string{"padding": pad(MaxUploadBodyBytes + 1)})
	body, _ := json.Marshal(map[string]json.RawMessage{"habitat": habitat})

	ts, sig := sign("secret", http.MethodPost, "/config/upload", body, time.Now())
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/config/upload", bytes.NewReader(body))
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", sig)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for a single file over MaxUploadBodyBytes, got %d", resp.StatusCode)
	}
}

func pad(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}

func TestConfigUpload_IsSerializedAgainstConfigApply(t *testing.T) {
	s, _, svc, _ := newTestServer(t, "secret")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	// Hold the write lock as an in-flight upload does; apply must wait.
	s.writeMu.Lock()
	done := make(chan int, 1)
	go func() {
		ts, sig := sign("secret", http.MethodPost, "/config/apply", nil, time.Now())
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/config/apply", nil)
		req.Header.Set("X-Timestamp", ts)
		req.Header.Set("X-Signature", sig)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	select {
	case code := <-done:
		t.Fatalf("expected /config/apply to block while the write lock is held, got %d", code)
	case <-time.After(200 * time.Millisecond):
	}
	s.writeMu.Unlock()

	if code := <-done; code != http.StatusOK {
		t.Fatalf("expected 200 once the write lock is released, got %d", code)
	}
	if !svc.applied {
		t.Error("expected apply to run after the write lock was released")
	}
}
