package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/StreetsDigital/thenexusengine/pas/internal/agents"
)

type fakeAgentStore struct {
	hash map[string]string
	err  error
}

func (f *fakeAgentStore) HGet(ctx context.Context, key, field string) (string, error) {
	return f.hash[field], f.err
}

func (f *fakeAgentStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return f.hash, f.err
}

func (f *fakeAgentStore) HSet(ctx context.Context, key, field, value string) error {
	if f.err != nil {
		return f.err
	}
	f.hash[field] = value
	return nil
}

func (f *fakeAgentStore) HDel(ctx context.Context, key, field string) error {
	if f.err != nil {
		return f.err
	}
	delete(f.hash, field)
	return nil
}

func newAgentRouter(t *testing.T, store *fakeAgentStore) (http.Handler, *agents.Listener) {
	t.Helper()
	listener := agents.NewListener(store, "pas:agents", time.Hour)
	h := NewHandler(newFakeService(), nil).WithAgentStore(store, "pas:agents", listener.Refresh)
	return h.SetupRoutes(nil), listener
}

func TestPutAgentRefreshesRouting(t *testing.T) {
	store := &fakeAgentStore{hash: map[string]string{}}
	h, listener := newAgentRouter(t, store)

	rec := do(h, http.MethodPut, "/v1/agents/agent1", `{"eventLabels":["click"],"skipLosses":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	cfg, ok := listener.Get("agent1")
	if !ok {
		t.Fatal("expected listener to see the new agent")
	}
	if cfg.Agent != "agent1" || !cfg.SkipLosses || !cfg.WantsLabel("click") || cfg.WantsLabel("view") {
		t.Errorf("unexpected config %+v", cfg)
	}

	rec = do(h, http.MethodGet, "/v1/agents/agent1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got agents.AgentConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Agent != "agent1" {
		t.Errorf("unexpected stored config %+v", got)
	}
}

func TestDeleteAgent(t *testing.T) {
	store := &fakeAgentStore{hash: map[string]string{"agent1": `{"agent":"agent1"}`}}
	h, listener := newAgentRouter(t, store)
	if err := listener.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if rec := do(h, http.MethodDelete, "/v1/agents/agent1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, ok := listener.Get("agent1"); ok {
		t.Error("expected agent removed from routing")
	}
	if rec := do(h, http.MethodGet, "/v1/agents/agent1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestAgentErrors(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		body     string
		storeErr error
		wantCode int
	}{
		{"invalid json", http.MethodPut, `{`, nil, http.StatusBadRequest},
		{"name mismatch", http.MethodPut, `{"agent":"other"}`, nil, http.StatusBadRequest},
		{"store down on put", http.MethodPut, `{}`, errors.New("dial tcp: refused"), http.StatusBadGateway},
		{"store down on get", http.MethodGet, "", errors.New("dial tcp: refused"), http.StatusBadGateway},
		{"store down on delete", http.MethodDelete, "", errors.New("dial tcp: refused"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeAgentStore{hash: map[string]string{}, err: tt.storeErr}
			h, _ := newAgentRouter(t, store)

			if rec := do(h, tt.method, "/v1/agents/agent1", tt.body); rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rec.Code)
			}
		})
	}
}

func TestAgentRoutesNeedStore(t *testing.T) {
	h, _ := newTestRouter(t, newFakeService())

	if rec := do(h, http.MethodGet, "/v1/agents/agent1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a store, got %d", rec.Code)
	}
}
