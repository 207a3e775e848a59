package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/droverhq/drover/internal/jobs"
)

// stubJobs records submissions without running them.
type stubJobs struct {
	methods []string
	fns     []jobs.Fn
}

func (s *stubJobs) Submit(method string, fn jobs.Fn) string {
	s.methods = append(s.methods, method)
	s.fns = append(s.fns, fn)
	return "job-1"
}

func pingRegistry() *Registry {
	r := NewRegistry()
	r.Register("ping", Method{
		Description: "reply with pong",
		Handler: func(context.Context, json.RawMessage) (any, error) {
			return map[string]string{"reply": "pong"}, nil
		},
	})
	return r
}

func dispatch(t *testing.T, s *Server, req Request) Response {
	t.Helper()
	return s.Dispatch(context.Background(), req)
}

func TestDispatchSyncResult(t *testing.T) {
	s := NewServer("", pingRegistry(), &stubJobs{})

	resp := dispatch(t, s, Request{
		JSONRPC: JSONRPCVersion,
		ID:      json.RawMessage(`7`),
		Method:  "ping",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if resp.JSONRPC != JSONRPCVersion {
		t.Fatalf("jsonrpc = %q", resp.JSONRPC)
	}
	if string(resp.ID) != "7" {
		t.Fatalf("id = %s, want 7", resp.ID)
	}
	result, ok := resp.Result.(map[string]string)
	if !ok {
		t.Fatalf("result type %T", resp.Result)
	}
	if result["reply"] != "pong" {
		t.Fatalf("result = %v", result)
	}
}

func TestDispatchRejectsBadRequests(t *testing.T) {
	s := NewServer("", pingRegistry(), &stubJobs{})

	cases := []struct {
		name string
		req  Request
	}{
		{"wrong version", Request{JSONRPC: "1.0", Method: "ping"}},
		{"missing version", Request{Method: "ping"}},
		{"empty method", Request{JSONRPC: JSONRPCVersion}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := dispatch(t, s, tc.req)
			if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
				t.Fatalf("error = %v, want code %d", resp.Error, CodeInvalidRequest)
			}
		})
	}
}

func TestDispatchMethodNotFound(t *testing.T) {
	s := NewServer("", pingRegistry(), &stubJobs{})

	resp := dispatch(t, s, Request{JSONRPC: JSONRPCVersion, Method: "task/destroy"})

	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("error = %v, want code %d", resp.Error, CodeMethodNotFound)
	}
	if resp.Error.Data != "task/destroy" {
		t.Fatalf("data = %v, want method name", resp.Error.Data)
	}
}

func TestDispatchHandlerErrorFoldsToAppError(t *testing.T) {
	r := pingRegistry()
	r.Register("boom", Method{
		Handler: func(context.Context, json.RawMessage) (any, error) {
			return nil, &RPCError{Code: 99, Message: "ignored"}
		},
	})
	s := NewServer("", r, &stubJobs{})

	resp := dispatch(t, s, Request{JSONRPC: JSONRPCVersion, Method: "boom"})

	if resp.Error == nil || resp.Error.Code != CodeAppError {
		t.Fatalf("error = %v, want code %d", resp.Error, CodeAppError)
	}
	if !strings.Contains(resp.Error.Message, "ignored") {
		t.Fatalf("message = %q", resp.Error.Message)
	}
}

func TestDispatchAsyncAcceptsOntoJobLayer(t *testing.T) {
	var got json.RawMessage
	r := NewRegistry()
	r.Register("slow/run", Method{
		Async: true,
		Handler: func(_ context.Context, params json.RawMessage) (any, error) {
			got = params
			return "done", nil
		},
	})
	js := &stubJobs{}
	s := NewServer("", r, js)

	resp := dispatch(t, s, Request{
		JSONRPC: JSONRPCVersion,
		Method:  "slow/run",
		Params:  json.RawMessage(`{"taskId":"t1"}`),
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result type %T", resp.Result)
	}
	if result["accepted"] != true || result["jobId"] != "job-1" {
		t.Fatalf("result = %v", result)
	}
	if len(js.methods) != 1 || js.methods[0] != "slow/run" {
		t.Fatalf("submitted = %v", js.methods)
	}
	if got != nil {
		t.Fatal("handler ran before the job layer invoked it")
	}

	// Running the submitted job executes the handler with the
	// original params.
	out, err := js.fns[0](context.Background())
	if err != nil {
		t.Fatalf("job fn: %v", err)
	}
	if out != "done" {
		t.Fatalf("job result = %v", out)
	}
	if string(got) != `{"taskId":"t1"}` {
		t.Fatalf("params = %s", got)
	}
}

func postRPC(t *testing.T, s *Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler()(rec, req)
	return rec
}

func TestHandlerPostOnly(t *testing.T) {
	s := NewServer("", pingRegistry(), &stubJobs{})

	req := httptest.NewRequest(http.MethodGet, "/rpc", nil)
	rec := httptest.NewRecorder()
	s.Handler()(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHandlerRequiresBearerToken(t *testing.T) {
	s := NewServer("hunter2", pingRegistry(), &stubJobs{})
	body := `{"jsonrpc":"2.0","id":1,"method":"ping"}`

	if rec := postRPC(t, s, body, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing header: status = %d, want 401", rec.Code)
	}
	wrong := map[string]string{"Authorization": "Bearer hunter3"}
	if rec := postRPC(t, s, body, wrong); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", rec.Code)
	}
	basic := map[string]string{"Authorization": "Basic hunter2"}
	if rec := postRPC(t, s, body, basic); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong scheme: status = %d, want 401", rec.Code)
	}

	good := map[string]string{"Authorization": "Bearer hunter2"}
	rec := postRPC(t, s, body, good)
	if rec.Code != http.StatusOK {
		t.Fatalf("good token: status = %d, want 200", rec.Code)
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
}

func TestHandlerOpenWithoutToken(t *testing.T) {
	s := NewServer("", pingRegistry(), &stubJobs{})

	rec := postRPC(t, s, `{"jsonrpc":"2.0","method":"ping"}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
}

func TestHandlerInvalidJSON(t *testing.T) {
	s := NewServer("", pingRegistry(), &stubJobs{})

	rec := postRPC(t, s, `{"jsonrpc":`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("error = %v, want code %d", resp.Error, CodeInvalidRequest)
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		r.Register(name, Method{Handler: func(context.Context, json.RawMessage) (any, error) {
			return nil, nil
		}})
	}

	names := r.Names()
	want := []string{"alpha", "bravo", "charlie"}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}
