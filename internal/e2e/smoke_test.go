//go:build e2e

// Package e2e smoke-tests a running memorybank server over HTTP.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
)

var (
	baseURL    string
	adminToken string
	dimension  = 1536
)

func TestMain(m *testing.M) {
	baseURL = os.Getenv("MEMORYBANK_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	adminToken = os.Getenv("MEMORYBANK_ADMIN_TOKEN")
	if adminToken == "" {
		fmt.Fprintln(os.Stderr, "MEMORYBANK_ADMIN_TOKEN is required")
		os.Exit(1)
	}
	if d, err := strconv.Atoi(os.Getenv("MEMORYBANK_DIMENSION")); err == nil && d > 1 {
		dimension = d
	}

	// Wait for server readiness (up to 30s)
	ready := false
	for i := 0; i < 30; i++ {
		resp, err := http.Get(baseURL + "/api/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(1 * time.Second)
	}
	if !ready {
		fmt.Fprintf(os.Stderr, "server at %s not ready after 30s\n", baseURL)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// axis returns a unit vector along dimension i.
func axis(i int) []float32 {
	v := make([]float32, dimension)
	v[i%dimension] = 1
	return v
}

// call sends a JSON request and decodes the response into out when it is
// non-nil. It returns the status code.
func call(t *testing.T, method, path, token string, body, out interface{}) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("marshal request: %v", err)
		}
	}
	req, err := http.NewRequest(method, baseURL+path, &buf)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if out != nil && resp.StatusCode < 300 && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("unmarshal response: %v (body: %s)", err, string(raw))
		}
	}
	return resp.StatusCode
}

type agent struct {
	ID         uuid.UUID
	Credential string
}

func register(t *testing.T) agent {
	t.Helper()
	var out struct {
		Agent struct {
			ID uuid.UUID `json:"id"`
		} `json:"agent"`
		Credential string `json:"credential"`
	}
	name := "smoke-" + uuid.NewString()[:8]
	if code := call(t, http.MethodPost, "/api/agents", adminToken, map[string]string{"name": name}, &out); code != http.StatusCreated {
		t.Fatalf("register %s: status %d", name, code)
	}
	return agent{ID: out.Agent.ID, Credential: out.Credential}
}

func searchIDs(t *testing.T, a agent, vec []float32) map[uuid.UUID]bool {
	t.Helper()
	var out struct {
		Results []struct {
			ID uuid.UUID `json:"id"`
		} `json:"results"`
	}
	code := call(t, http.MethodPost, "/api/memories/search", a.Credential,
		map[string]interface{}{"query_vector": vec, "threshold": 0.9, "match_count": 50}, &out)
	if code != http.StatusOK {
		t.Fatalf("search: status %d", code)
	}
	ids := make(map[uuid.UUID]bool, len(out.Results))
	for _, r := range out.Results {
		ids[r.ID] = true
	}
	return ids
}

func TestTeamScopedMemory(t *testing.T) {
	owner, mate := register(t), register(t)
	vec := axis(int(time.Now().UnixNano() % int64(dimension)))

	var team struct {
		ID uuid.UUID `json:"id"`
	}
	if code := call(t, http.MethodPost, "/api/teams", owner.Credential,
		map[string]string{"name": "smoke-team-" + uuid.NewString()[:8]}, &team); code != http.StatusCreated {
		t.Fatalf("create team: status %d", code)
	}

	var mem struct {
		ID uuid.UUID `json:"id"`
	}
	if code := call(t, http.MethodPost, "/api/memories", owner.Credential, map[string]interface{}{
		"content":   "smoke test team memory",
		"scope":     "team",
		"embedding": vec,
	}, &mem); code != http.StatusCreated {
		t.Fatalf("remember: status %d", code)
	}
	defer call(t, http.MethodDelete, "/api/memories/"+mem.ID.String(), owner.Credential, nil, nil)

	if searchIDs(t, mate, vec)[mem.ID] {
		t.Fatal("non-member sees a team memory")
	}
	if code := call(t, http.MethodPost, "/api/teams/"+team.ID.String()+"/join", mate.Credential, nil, nil); code != http.StatusNoContent {
		t.Fatalf("join: status %d", code)
	}
	if !searchIDs(t, mate, vec)[mem.ID] {
		t.Fatal("member does not see the team memory")
	}
	if code := call(t, http.MethodPost, "/api/teams/"+team.ID.String()+"/leave", mate.Credential, nil, nil); code != http.StatusNoContent {
		t.Fatalf("leave: status %d", code)
	}
	if searchIDs(t, mate, vec)[mem.ID] {
		t.Fatal("former member still sees the team memory")
	}
}

func TestPrivateMemoryIsHidden(t *testing.T) {
	owner, other := register(t), register(t)
	vec := axis(int(time.Now().UnixNano()/7) % dimension)

	var mem struct {
		ID uuid.UUID `json:"id"`
	}
	if code := call(t, http.MethodPost, "/api/memories", owner.Credential, map[string]interface{}{
		"content":   "smoke test private memory",
		"embedding": vec,
	}, &mem); code != http.StatusCreated {
		t.Fatalf("remember: status %d", code)
	}
	defer call(t, http.MethodDelete, "/api/memories/"+mem.ID.String(), owner.Credential, nil, nil)

	if code := call(t, http.MethodGet, "/api/memories/"+mem.ID.String(), other.Credential, nil, nil); code != http.StatusNotFound {
		t.Errorf("foreign get: status %d, want 404", code)
	}
	if searchIDs(t, other, vec)[mem.ID] {
		t.Error("private memory leaked into another agent's search")
	}
	if !searchIDs(t, owner, vec)[mem.ID] {
		t.Error("owner cannot find its own memory")
	}
}

func TestMaintenanceEndpoints(t *testing.T) {
	for _, path := range []string{"/api/admin/aggregate", "/api/admin/purge"} {
		if code := call(t, http.MethodPost, path, adminToken, nil, nil); code != http.StatusOK {
			t.Errorf("%s: status %d", path, code)
		}
	}
}
