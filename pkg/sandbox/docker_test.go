package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codechat-universal/codechat/pkg/telemetry"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const fakeAPIVersion = "1.47"

type logFrame struct {
	stream stdcopy.StdType
	text   string
}

// fakeDockerAPI serves the slice of the Engine API the sandbox uses.
type fakeDockerAPI struct {
	srv *httptest.Server

	mu       sync.Mutex
	creates  []container.CreateRequest
	names    []string
	started  []string
	waits    []string
	removes  []string
	filters  string
	listed   []map[string]any
	waitCode int64
	waitFail string
	frames   []logFrame
}

func newFakeDockerAPI(t *testing.T) *fakeDockerAPI {
	t.Helper()
	for _, k := range []string{"DOCKER_HOST", "DOCKER_TLS_VERIFY", "DOCKER_CERT_PATH", "DOCKER_API_VERSION"} {
		t.Setenv(k, "")
	}

	api := &fakeDockerAPI{}
	prefix := "/v" + fakeAPIVersion
	mux := http.NewServeMux()
	mux.HandleFunc("/_ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("API-Version", fakeAPIVersion)
		w.Header().Set("OSType", "linux")
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("POST "+prefix+"/containers/create", api.create)
	mux.HandleFunc("POST "+prefix+"/containers/{id}/start", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		api.started = append(api.started, r.PathValue("id"))
		api.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST "+prefix+"/containers/{id}/wait", api.wait)
	mux.HandleFunc("GET "+prefix+"/containers/{id}/logs", api.logs)
	mux.HandleFunc("DELETE "+prefix+"/containers/{id}", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		api.removes = append(api.removes, r.PathValue("id")+" force="+r.URL.Query().Get("force"))
		api.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET "+prefix+"/containers/json", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		api.filters = r.URL.Query().Get("filters")
		listed := api.listed
		api.mu.Unlock()
		writeJSON(w, http.StatusOK, listed)
	})

	api.srv = httptest.NewServer(mux)
	t.Cleanup(api.srv.Close)
	return api
}

func (a *fakeDockerAPI) create(w http.ResponseWriter, r *http.Request) {
	var req container.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	a.mu.Lock()
	a.creates = append(a.creates, req)
	a.names = append(a.names, r.URL.Query().Get("name"))
	id := fmt.Sprintf("c%02d", len(a.creates))
	a.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{"Id": id, "Warnings": []string{}})
}

func (a *fakeDockerAPI) wait(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.waits = append(a.waits, r.URL.Query().Get("condition"))
	code, fail := a.waitCode, a.waitFail
	a.mu.Unlock()
	if fail != "" {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": fail})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"StatusCode": code})
}

func (a *fakeDockerAPI) logs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("stdout") != "1" || q.Get("stderr") != "1" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "both streams must be requested"})
		return
	}
	a.mu.Lock()
	frames := slices.Clone(a.frames)
	a.mu.Unlock()
	w.WriteHeader(http.StatusOK)
	for _, f := range frames {
		_, _ = stdcopy.NewStdWriter(w, f.stream).Write([]byte(f.text))
	}
}

// opts points a client at the fake. Each call gets its own http.Client
// since the docker client wraps the transport it is given.
func (a *fakeDockerAPI) opts() []client.Opt {
	return []client.Opt{
		client.WithHost("tcp://" + a.srv.Listener.Addr().String()),
		client.WithHTTPClient(&http.Client{Timeout: 5 * time.Second}),
	}
}

func (a *fakeDockerAPI) engine(t *testing.T) *DockerEngine {
	t.Helper()
	eng, err := NewDockerEngine(a.opts()...)
	if err != nil {
		t.Fatalf("NewDockerEngine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// locked runs fn with the fake's state held.
func (a *fakeDockerAPI) locked(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestDockerCreateRequest(t *testing.T) {
	api := newFakeDockerAPI(t)
	eng := api.engine(t)

	code := "print('a b'); import os\nprint(os.getcwd())"
	id, err := eng.Create(context.Background(), ContainerSpec{
		Name:        "codechat-sandbox-x",
		Image:       "python:3.9-alpine",
		Argv:        []string{"python", "-c", code},
		MemoryBytes: MemoryLimit,
		NoNetwork:   true,
		Labels:      map[string]string{LabelSandbox: "true", LabelLanguage: "python"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "c01" {
		t.Errorf("id = %q", id)
	}

	var (
		creates []container.CreateRequest
		names   []string
	)
	api.locked(func() { creates, names = api.creates, api.names })
	if len(creates) != 1 {
		t.Fatalf("creates = %d", len(creates))
	}
	req := creates[0]
	if names[0] != "codechat-sandbox-x" {
		t.Errorf("name = %q", names[0])
	}
	if req.Config == nil || req.HostConfig == nil {
		t.Fatalf("request = %+v", req)
	}
	if req.Image != "python:3.9-alpine" {
		t.Errorf("Image = %q", req.Image)
	}
	if want := []string{"python", "-c", code}; !slices.Equal(req.Cmd, want) {
		t.Errorf("Cmd = %q, want code as a single element", req.Cmd)
	}
	if !req.NetworkDisabled {
		t.Error("NetworkDisabled = false")
	}
	if req.HostConfig.NetworkMode != "none" {
		t.Errorf("NetworkMode = %q, want none", req.HostConfig.NetworkMode)
	}
	if req.HostConfig.Memory != 134217728 {
		t.Errorf("Memory = %d, want 134217728", req.HostConfig.Memory)
	}
	if req.Labels[LabelSandbox] != "true" || req.Labels[LabelLanguage] != "python" {
		t.Errorf("Labels = %v", req.Labels)
	}
}

func TestDockerWait(t *testing.T) {
	api := newFakeDockerAPI(t)
	eng := api.engine(t)
	ctx := context.Background()

	api.locked(func() { api.waitCode = 3 })
	code, err := eng.Wait(ctx, "c01")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	var waits []string
	api.locked(func() { waits = api.waits })
	if waits[0] != string(container.WaitConditionNotRunning) {
		t.Errorf("condition = %q", waits[0])
	}

	api.locked(func() { api.waitFail = "container vanished" })
	code, err = eng.Wait(ctx, "c01")
	if err == nil || !strings.Contains(err.Error(), "container vanished") {
		t.Fatalf("err = %v, want the engine's message", err)
	}
	if code != -1 {
		t.Errorf("exit code = %d, want -1 on a wait error", code)
	}
}

func TestDockerLogsKeepStreamOrder(t *testing.T) {
	api := newFakeDockerAPI(t)
	eng := api.engine(t)
	api.locked(func() {
		api.frames = []logFrame{
			{stdcopy.Stdout, "one\n"},
			{stdcopy.Stderr, "two\n"},
			{stdcopy.Stdout, "three\n"},
		}
	})

	type chunk struct {
		stream Stream
		text   string
	}
	var got []chunk
	err := eng.Logs(context.Background(), "c01", func(s Stream, b []byte) {
		got = append(got, chunk{s, string(b)})
	})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	want := []chunk{{Stdout, "one\n"}, {Stderr, "two\n"}, {Stdout, "three\n"}}
	if !slices.Equal(got, want) {
		t.Errorf("chunks = %v, want %v", got, want)
	}
}

func TestDockerRemoveAndList(t *testing.T) {
	api := newFakeDockerAPI(t)
	eng := api.engine(t)
	ctx := context.Background()

	if err := eng.Remove(ctx, "c01", true); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	var removes []string
	api.locked(func() { removes = api.removes })
	if !slices.Equal(removes, []string{"c01 force=1"}) {
		t.Errorf("removes = %v", removes)
	}

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	api.locked(func() {
		api.listed = []map[string]any{{
			"Id":      "c07",
			"Names":   []string{"/codechat-sandbox-old"},
			"Image":   "node:18-alpine",
			"State":   "exited",
			"Created": created.Unix(),
			"Labels":  map[string]string{LabelSandbox: "true"},
		}}
	})
	list, err := eng.List(ctx, map[string]string{LabelSandbox: "true"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var filters string
	api.locked(func() { filters = api.filters })
	if filters != `{"label":{"codechat.sandbox=true":true}}` {
		t.Errorf("filters = %s", filters)
	}
	if len(list) != 1 {
		t.Fatalf("list = %+v", list)
	}
	c := list[0]
	if c.ID != "c07" || c.Name != "codechat-sandbox-old" || c.State != "exited" || !c.Created.Equal(created) {
		t.Errorf("container = %+v", c)
	}
}

func TestDockerRuntimeRoundTrip(t *testing.T) {
	api := newFakeDockerAPI(t)
	api.locked(func() {
		api.waitCode = 1
		api.frames = []logFrame{
			{stdcopy.Stdout, "partial\n"},
			{stdcopy.Stderr, "Traceback (most recent call last):\n"},
		}
	})
	rt, err := NewRuntime(RuntimeConfig{
		Dial: func(context.Context) (Engine, error) {
			return NewDockerEngine(api.opts()...)
		},
		Timeout: 5 * time.Second,
		Logger:  telemetry.Discard(),
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	res, err := rt.Run(context.Background(), Job{Language: "python", Image: "python:3.9-alpine", Argv: []string{"python", "-c", "raise"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", res.ExitCode)
	}
	if res.Output != "partial\nTraceback (most recent call last):\n" {
		t.Errorf("output = %q", res.Output)
	}
	var removes, started []string
	api.locked(func() { removes, started = api.removes, api.started })
	if !res.Removed || !slices.Equal(removes, []string{"c01 force=1"}) {
		t.Errorf("removes = %v, removed = %v", removes, res.Removed)
	}
	if !slices.Equal(started, []string{"c01"}) {
		t.Errorf("started = %v", started)
	}
}

func TestDockerWaitErrorStillCollectsLogs(t *testing.T) {
	api := newFakeDockerAPI(t)
	api.locked(func() {
		api.waitFail = "wait failed"
		api.frames = []logFrame{{stdcopy.Stdout, "hello\n"}}
	})
	rt := testRuntimeWithDialer(t, func(context.Context) (Engine, error) {
		return NewDockerEngine(api.opts()...)
	})

	res, err := rt.Run(context.Background(), Job{Language: "python", Image: "python:3.9-alpine", Argv: []string{"python", "-c", "print('hello')"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1 after a failed wait", res.ExitCode)
	}
	if res.Output != "hello\n" {
		t.Errorf("output = %q", res.Output)
	}
	var removes []string
	api.locked(func() { removes = api.removes })
	if len(removes) != 1 {
		t.Errorf("removes = %v", removes)
	}
}

func TestDockerUnreachableEngine(t *testing.T) {
	api := newFakeDockerAPI(t)
	opts := api.opts()
	api.srv.Close()

	rt := testRuntimeWithDialer(t, DockerDialer(opts...))
	_, err := rt.Execute(context.Background(), "python", "print(1)")
	if !errors.Is(err, ErrCreate) {
		t.Fatalf("err = %v, want ErrCreate", err)
	}
}

func testRuntimeWithDialer(t *testing.T, dial Dialer) *Runtime {
	t.Helper()
	rt, err := NewRuntime(RuntimeConfig{Dial: dial, Timeout: 5 * time.Second, Logger: telemetry.Discard()})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	return rt
}
