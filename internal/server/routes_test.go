package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lazypower/chanfix/internal/engine"
	"github.com/lazypower/chanfix/internal/network"
	"github.com/lazypower/chanfix/internal/store"
)

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	return w
}

// seed installs a ledger with one unauthenticated record of the given age.
func (env *testEnv) seed(name string, age int) {
	now := time.Now()
	env.eng.Import([]*store.Channel{{
		Name:       name,
		CreatedAt:  now,
		LastUpdate: now,
		Identities: map[string]*store.OpRecord{
			"al@h.example": {Key: "al@h.example", Ident: "al", Host: "h.example", Age: age, FirstSeen: now, LastEvent: now},
		},
	}})
}

func TestNetworkSnapshotAndActions(t *testing.T) {
	env := testServer(t)

	snap := `{"members":[{"nick":"al","ident":"al","host":"h.example","op":false}],"modes":{"invite_only":true}}`
	w := env.do(t, "PUT", "/api/network/channels/%23Go", snap)
	if w.Code != http.StatusNoContent {
		t.Fatalf("PUT status = %d; body: %s", w.Code, w.Body.String())
	}

	live, ok := env.net.Channel("#go")
	if !ok || live.Name != "#Go" || len(live.Members) != 1 || !live.Modes.InviteOnly {
		t.Fatalf("network state = %+v", live)
	}

	env.seed("#Go", 20)
	env.eng.Autofix()

	w = env.do(t, "GET", "/api/network/actions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("actions status = %d", w.Code)
	}
	var resp struct {
		Count   int              `json:"count"`
		Actions []network.Action `json:"actions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 || resp.Actions[0].Mode != "+o" || resp.Actions[0].Target != "al" || resp.Actions[1].Mode != "-i" {
		t.Errorf("actions = %+v", resp.Actions)
	}

	// drained
	w = env.do(t, "GET", "/api/network/actions", "")
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 0 {
		t.Errorf("second drain count = %d, want 0", resp.Count)
	}

	w = env.do(t, "DELETE", "/api/network/channels/%23go", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", w.Code)
	}
	if _, ok := env.net.Channel("#Go"); ok {
		t.Error("channel still in network state")
	}
}

func TestNetworkSnapshotRejectsBadInput(t *testing.T) {
	env := testServer(t)

	if w := env.do(t, "PUT", "/api/network/channels/%23go", "not json"); w.Code != http.StatusBadRequest {
		t.Errorf("bad json: status = %d", w.Code)
	}
	if w := env.do(t, "PUT", "/api/network/channels/nochan", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad name: status = %d", w.Code)
	}
}

func TestListChannels(t *testing.T) {
	env := testServer(t)
	env.seed("#go", 5)
	env.seed("#rust", 5)

	w := env.do(t, "GET", "/api/channels?pattern=%23g*", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Count    int                     `json:"count"`
		Channels []engine.ChannelSummary `json:"channels"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 1 || resp.Channels[0].Name != "#go" {
		t.Errorf("list = %+v", resp)
	}

	w = env.do(t, "GET", "/api/channels?pattern=%23none*", "")
	if !strings.Contains(w.Body.String(), `"channels":[]`) {
		t.Errorf("empty list body = %s", w.Body.String())
	}
}

func TestChannelInfoAndScores(t *testing.T) {
	env := testServer(t)
	env.seed("#go", 20)

	w := env.do(t, "GET", "/api/channels/%23go", "")
	if w.Code != http.StatusOK {
		t.Fatalf("info status = %d; body: %s", w.Code, w.Body.String())
	}
	var info engine.ChannelInfo
	json.Unmarshal(w.Body.Bytes(), &info)
	if info.Name != "#go" || info.HighScore != 20 || info.Records != 1 {
		t.Errorf("info = %+v", info)
	}

	w = env.do(t, "GET", "/api/channels/%23go/scores?limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("scores status = %d", w.Code)
	}
	var scores struct {
		Scores []engine.ScoredRecord `json:"scores"`
	}
	json.Unmarshal(w.Body.Bytes(), &scores)
	if len(scores.Scores) != 1 || scores.Scores[0].Score != 20 {
		t.Errorf("scores = %+v", scores.Scores)
	}

	if w := env.do(t, "GET", "/api/channels/%23missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing info status = %d, want 404", w.Code)
	}
}

func TestFixRequest(t *testing.T) {
	env := testServer(t)
	env.seed("#go", 20)
	env.seed("#low", 3)
	for _, name := range []string{"#go", "#low"} {
		env.net.Update(network.Channel{Name: name, Members: []network.Member{
			{Nick: "al", Ident: "al", Host: "h.example"},
			{Nick: "op", Ident: "op", Host: "h.example", Op: true},
		}})
	}

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"anonymous", "/api/channels/%23go/fix", "", http.StatusAccepted},
		{"occupant op", "/api/channels/%23go/fix", `{"nick":"op"}`, http.StatusAccepted},
		{"occupant non-op", "/api/channels/%23go/fix", `{"nick":"al"}`, http.StatusForbidden},
		{"elevated", "/api/channels/%23go/fix", `{"nick":"helper","elevated":true}`, http.StatusAccepted},
		{"low scores", "/api/channels/%23low/fix", "", http.StatusConflict},
		{"not on network", "/api/channels/%23none/fix", "", http.StatusConflict},
		{"bad json", "/api/channels/%23go/fix", "{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d; body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	if !env.eng.Channel("#go").FixRequested {
		t.Error("FixRequested not set")
	}
}

func TestMarkAndNoFix(t *testing.T) {
	env := testServer(t)

	w := env.do(t, "POST", "/api/channels/%23go/mark", `{"setter":"oper","text":"keep an eye out"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("mark status = %d; body: %s", w.Code, w.Body.String())
	}
	if c := env.eng.Channel("#go"); c == nil || c.Mark == nil || c.Mark.Text != "keep an eye out" {
		t.Fatalf("mark not stored: %+v", c)
	}

	w = env.do(t, "POST", "/api/channels/%23go/nofix", `{"setter":"oper","text":"owner request"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("nofix status = %d", w.Code)
	}
	if env.eng.Channel("#go").NoFix == nil {
		t.Fatal("nofix not stored")
	}

	w = env.do(t, "POST", "/api/channels/%23go/nofix", `{"setter":"oper","remove":true}`)
	if w.Code != http.StatusOK || env.eng.Channel("#go").NoFix != nil {
		t.Errorf("clear nofix: status %d", w.Code)
	}

	if w := env.do(t, "POST", "/api/channels/%23go/mark", `{"text":"x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing setter: status = %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/channels/%23other/mark", `{"setter":"oper","remove":true}`); w.Code != http.StatusNotFound {
		t.Errorf("unmark missing: status = %d, want 404", w.Code)
	}
}
