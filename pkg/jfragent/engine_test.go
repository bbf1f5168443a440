package jfragent

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/mariomac/guara/pkg/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/jfr-agent/pkg/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const timeout = 5 * time.Second

const probesXML = `<jfragent>
  <events>
    <event id="demo.event1">
      <label>Event 1</label>
      <class>com.example.Foo</class>
      <method>
        <name>bar</name>
        <descriptor>(I)V</descriptor>
        <parameters>
          <parameter index="0"><name>value</name></parameter>
        </parameters>
      </method>
    </event>
  </events>
</jfragent>`

// shim plays the role of the agent shim running in the JVM.
type shim struct {
	t      *testing.T
	client *http.Client
	url    string
}

func (s *shim) post(path string, body any) (int, []byte) {
	data, err := json.Marshal(body)
	require.NoError(s.t, err)
	resp, err := s.client.Post(s.url+path, "application/json", bytes.NewReader(data))
	require.NoError(s.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)
	return resp.StatusCode, out
}

func startEngine(t *testing.T, mode AttachMode) (*Engine, *shim, func()) {
	t.Helper()
	probes := filepath.Join(t.TempDir(), "probes.xml")
	require.NoError(t, os.WriteFile(probes, []byte(probesXML), 0o644))
	cfg := DefaultConfig()
	cfg.ProbesPath = probes
	cfg.Bridge.ListenAddress = "127.0.0.1:0"
	cfg.Control.ListenAddress = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second
	require.NoError(t, cfg.Validate())

	e, err := New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- e.Start(ctx, mode) }()
	select {
	case <-e.Listening():
	case err := <-errs:
		t.Fatalf("engine did not start: %v", err)
	case <-time.After(timeout):
		t.Fatal("engine did not start")
	}
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	stop := func() {
		cancel()
		assert.NoError(t, testutil.ReadChannel(t, errs, timeout))
	}
	return e, &shim{t: t, client: client, url: "http://" + e.BridgeAddr()}, stop
}

func TestEngine_AttachOnStartup(t *testing.T) {
	e, s, stop := startEngine(t, AttachOnStartup)
	defer stop()

	assert.Equal(t, []string{testutil.FooClass}, e.Controller().Classes())
	status, body := s.post("/v1/hello", map[string]any{
		"jvm_version": "17.0.2", "classes": []string{"jdk/jfr/Event"},
	})
	require.Equal(t, http.StatusNoContent, status, string(body))

	foo := testutil.Foo(t)
	status, body = s.post("/v1/transform", map[string]any{"class_name": testutil.FooClass, "bytes": foo})
	require.Equal(t, http.StatusOK, status, string(body))
	var resp struct {
		Modified     bool `json:"modified"`
		EventClasses []struct {
			Name string `json:"name"`
		} `json:"event_classes"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.True(t, resp.Modified)
	require.Len(t, resp.EventClasses, 1)
	assert.Equal(t, "com/example/__JFREventDemoevent1", resp.EventClasses[0].Name)

	// the management API reports the applied descriptor
	cresp, err := s.client.Get("http://" + e.ControlAddr() + "/v1/classes/com.example.Foo/descriptors")
	require.NoError(t, err)
	defer cresp.Body.Close()
	require.Equal(t, http.StatusOK, cresp.StatusCode)
	var descs []struct {
		ID      string `json:"id"`
		Pending bool   `json:"pending"`
	}
	require.NoError(t, json.NewDecoder(cresp.Body).Decode(&descs))
	require.Len(t, descs, 1)
	assert.Equal(t, "demo.event1", descs[0].ID)
	assert.False(t, descs[0].Pending)
}

func TestEngine_AttachLate(t *testing.T) {
	_, s, stop := startEngine(t, AttachLate)
	defer stop()

	status, _ := s.post("/v1/hello", map[string]any{"jvm_version": "1.8.0_292", "classes": []string{"jdk/jfr/Event"}})
	require.Equal(t, http.StatusNoContent, status)

	// the engine asks the shim to retransform the already loaded classes
	var req struct {
		ID      uint64   `json:"id"`
		Classes []string `json:"classes"`
	}
	test.Eventually(t, timeout, func(t require.TestingT) {
		resp, err := s.client.Get(s.url + "/v1/retransform?timeout=100ms")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&req))
	})
	assert.Equal(t, []string{testutil.FooClass}, req.Classes)

	status, _ = s.post("/v1/retransform/result", map[string]any{"id": req.ID})
	assert.Equal(t, http.StatusNoContent, status)
}

func TestEngine_InvalidSpecification(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProbesPath = filepath.Join(t.TempDir(), "missing.xml")
	e, err := New(cfg)
	require.NoError(t, err)
	assert.Error(t, e.Start(context.Background(), AttachOnStartup))
}
