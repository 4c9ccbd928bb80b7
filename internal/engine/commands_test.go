package engine

import (
	"errors"
	"testing"

	"github.com/lazypower/chanfix/internal/config"
	"github.com/lazypower/chanfix/internal/network"
)

func TestRequestFixChecks(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed("#ok", hostRec("a", "h.example", 20))
	env.seed("#low", hostRec("a", "h.example", 11))
	env.seed("#reg", hostRec("a", "h.example", 20))
	env.seed("#offline", hostRec("a", "h.example", 20))
	for _, name := range []string{"#ok", "#low", "#none"} {
		env.net.Update(network.Channel{Name: name, Members: []network.Member{member("a", false)}})
	}
	env.net.Update(network.Channel{Name: "#reg", Registered: true})

	cases := []struct {
		channel string
		want    error
	}{
		{"#ok", nil},
		{"#low", ErrInsufficientReputation},
		{"#reg", ErrIneligible},
		{"#offline", ErrIneligible},
		{"#none", ErrInsufficientReputation},
	}
	for _, tc := range cases {
		err := env.eng.RequestFix(tc.channel)
		if tc.want == nil {
			if err != nil {
				t.Errorf("RequestFix(%s): %v", tc.channel, err)
			}
			continue
		}
		if !errors.Is(err, tc.want) {
			t.Errorf("RequestFix(%s) = %v, want %v", tc.channel, err, tc.want)
		}
	}

	if !env.eng.Channel("#ok").FixRequested {
		t.Error("FixRequested not set")
	}
	if env.eng.Channel("#low").FixRequested {
		t.Error("FixRequested set on a rejected request")
	}
	if c := env.eng.Channel("#none"); c == nil || len(c.Identities) != 0 || c.FixRequested {
		t.Errorf("first request on #none left %+v, want an empty unrequested ledger", c)
	}
}

func TestRequestFixCreatesLedgerWithoutFloor(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Chanfix.MinFixScore = 0 })
	env.net.Update(network.Channel{Name: "#New", Members: []network.Member{member("a", false)}})

	if err := env.eng.RequestFix("#new"); err != nil {
		t.Fatalf("RequestFix: %v", err)
	}

	c := env.eng.Channel("#new")
	if c == nil {
		t.Fatal("no ledger created")
	}
	if c.Name != "#New" || !c.FixRequested {
		t.Errorf("ledger = %+v, want #New with a pending request", c)
	}
	if !c.CreatedAt.Equal(env.clock.Now()) {
		t.Errorf("CreatedAt = %v, want %v", c.CreatedAt, env.clock.Now())
	}
	if n := env.eng.Dirty(); n == 0 {
		t.Error("new ledger not marked for saving")
	}
}

func TestRequestFixRejectsBadName(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.eng.RequestFix("nochan"); err == nil {
		t.Error("expected error for name without prefix")
	}
}

func TestRequestFixOptedOut(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed("#c", hostRec("a", "h.example", 20))
	env.net.Update(network.Channel{Name: "#c", Members: []network.Member{member("a", false)}})
	env.eng.NoFix("#c", "oper", true, "no thanks")

	if err := env.eng.RequestFix("#c"); !errors.Is(err, ErrIneligible) {
		t.Errorf("RequestFix = %v, want ErrIneligible", err)
	}
}

func TestRequestFixAsOccupant(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed("#c", hostRec("a", "h.example", 20))
	env.net.Update(network.Channel{Name: "#c", Members: []network.Member{
		member("a", false),
		member("op", true),
	}})

	if err := env.eng.RequestFixAsOccupant("#c", "a", false); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("non-op request = %v, want ErrNotPermitted", err)
	}
	if err := env.eng.RequestFixAsOccupant("#c", "stranger", false); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("absent nick request = %v, want ErrNotPermitted", err)
	}
	if err := env.eng.RequestFixAsOccupant("#c", "OP", false); err != nil {
		t.Errorf("op request: %v", err)
	}
	if !env.eng.Channel("#c").FixRequested {
		t.Error("FixRequested not set")
	}
}

func TestRequestFixAsOccupantElevated(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed("#c", hostRec("a", "h.example", 20))
	env.net.Update(network.Channel{Name: "#c", Members: []network.Member{member("a", false)}})

	if err := env.eng.RequestFixAsOccupant("#c", "helper", true); err != nil {
		t.Errorf("elevated request: %v", err)
	}
}

func TestMark(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.eng.Mark("#c", "oper", false, ""); !errors.Is(err, ErrNoRecord) {
		t.Errorf("unmark with no record = %v, want ErrNoRecord", err)
	}
	if err := env.eng.Mark("#c", "oper", true, "   "); err == nil {
		t.Error("expected error for empty mark text")
	}
	if err := env.eng.Mark("#c", "oper", true, "watch\x07 this"); err != nil {
		t.Fatalf("Mark: %v", err)
	}

	c := env.eng.Channel("#c")
	if c == nil || c.Mark == nil {
		t.Fatal("mark not stored")
	}
	if c.Mark.Text != "watch this" || c.Mark.Setter != "oper" || !c.Mark.Time.Equal(env.clock.Now()) {
		t.Errorf("mark = %+v", c.Mark)
	}

	if err := env.eng.Mark("#C", "oper", false, ""); err != nil {
		t.Fatalf("unmark: %v", err)
	}
	if env.eng.Channel("#c").Mark != nil {
		t.Error("mark still set")
	}
}

func TestNoFixResetsFixState(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed("#c", hostRec("a", "h.example", 20))
	env.net.Update(network.Channel{Name: "#c", Members: []network.Member{member("a", false)}})
	env.eng.Autofix()
	if env.eng.Channel("#c").FixStarted.IsZero() {
		t.Fatal("fix did not start")
	}

	if err := env.eng.NoFix("#c", "oper", true, "owner asked"); err != nil {
		t.Fatalf("NoFix: %v", err)
	}
	c := env.eng.Channel("#c")
	if !c.FixStarted.IsZero() || c.FixRequested || c.NoFix == nil {
		t.Errorf("channel after nofix = %+v", c)
	}

	if err := env.eng.NoFix("#c", "oper", false, ""); err != nil {
		t.Fatalf("clear nofix: %v", err)
	}
	if env.eng.Channel("#c").NoFix != nil {
		t.Error("nofix still set")
	}
}

func TestNoFixRequiresReason(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.eng.NoFix("#c", "oper", true, ""); err == nil {
		t.Error("expected error for empty reason")
	}
	if err := env.eng.NoFix("#c", "oper", false, ""); !errors.Is(err, ErrNoRecord) {
		t.Errorf("clear with no record = %v, want ErrNoRecord", err)
	}
}

func TestInfo(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed("#c", hostRec("a", "h.example", 20), acctRec("bob", 4))

	if _, err := env.eng.Info("#missing"); !errors.Is(err, ErrNoRecord) {
		t.Errorf("Info(missing) = %v, want ErrNoRecord", err)
	}

	info, err := env.eng.Info("#c")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Records != 2 || info.HighScore != 20 || info.Live || info.FixStarted != nil {
		t.Errorf("offline info = %+v", info)
	}

	env.net.Update(network.Channel{Name: "#c", Members: []network.Member{member("a", false)}})
	env.eng.Autofix()

	info, err = env.eng.Info("#c")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if !info.Live || info.Ops != 1 || !info.Eligible {
		t.Errorf("live info = %+v", info)
	}
	if info.FixStarted == nil || info.Threshold != 14 {
		t.Errorf("fix info = started %v threshold %d", info.FixStarted, info.Threshold)
	}
}

func TestScoresOrdered(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed("#c", hostRec("c", "h", 14), acctRec("b", 10), hostRec("d", "h", 2), hostRec("e", "h", 14))

	scores, err := env.eng.Scores("#c", 0)
	if err != nil {
		t.Fatalf("Scores: %v", err)
	}
	var keys []string
	for _, s := range scores {
		keys = append(keys, s.Key)
	}
	want := []string{"b", "c@h", "e@h", "d@h"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}
	if scores[0].Score != 15 {
		t.Errorf("top score = %d, want 15", scores[0].Score)
	}

	top, _ := env.eng.Scores("#c", 2)
	if len(top) != 2 {
		t.Errorf("limited scores = %d, want 2", len(top))
	}

	if _, err := env.eng.Scores("#none", 0); !errors.Is(err, ErrNoRecord) {
		t.Errorf("Scores(none) = %v, want ErrNoRecord", err)
	}
}

func TestList(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed("#go-nuts", hostRec("a", "h", 5))
	env.seed("#Go-Dev", hostRec("a", "h", 7))
	env.seed("#rust", hostRec("a", "h", 9))
	env.eng.Mark("#rust", "oper", true, "crabs")

	all := env.eng.List("")
	if len(all) != 3 {
		t.Fatalf("List() = %d channels, want 3", len(all))
	}

	gophers := env.eng.List("#GO-*")
	if len(gophers) != 2 {
		t.Fatalf("List(#GO-*) = %+v", gophers)
	}
	if gophers[0].Name != "#Go-Dev" || gophers[1].Name != "#go-nuts" {
		t.Errorf("order = %s, %s", gophers[0].Name, gophers[1].Name)
	}

	rust := env.eng.List("#rust")
	if len(rust) != 1 || !rust[0].Marked || rust[0].HighScore != 9 {
		t.Errorf("List(#rust) = %+v", rust)
	}
}
