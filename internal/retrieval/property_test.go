package retrieval

import (
	"context"
	"slices"
	"testing"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"github.com/nidhogg/memorybank/internal/model"
)

var genScope = rapid.SampledFrom(model.AllScopes)

// TestVisibilityProperty checks every returned memory against an
// independently computed visibility rule over random worlds.
func TestVisibilityProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		v := newEnv(t, Options{})

		agents := make([]uuid.UUID, rapid.IntRange(2, 4).Draw(t, "agents"))
		for i := range agents {
			agents[i] = v.agent(t)
		}
		team, err := v.ids.CreateTeam(ctx, agents[0], "t", "")
		if err != nil {
			t.Fatalf("create team: %v", err)
		}
		inTeam := map[uuid.UUID]bool{agents[0]: true}
		for _, a := range agents[1:] {
			if rapid.Bool().Draw(t, "member") {
				if err := v.ids.JoinTeam(ctx, team.ID, a, ""); err != nil {
					t.Fatalf("join: %v", err)
				}
				inTeam[a] = true
			}
		}

		n := rapid.IntRange(1, 20).Draw(t, "memories")
		for i := 0; i < n; i++ {
			owner := rapid.SampledFrom(agents).Draw(t, "owner")
			angle := rapid.Float64Range(0, 1.5).Draw(t, "angle")
			v.remember(t, owner, genScope.Draw(t, "scope"), "m", at(angle))
		}

		caller := rapid.SampledFrom(agents).Draw(t, "caller")
		matchCount := rapid.IntRange(1, 25).Draw(t, "match_count")
		rs, err := v.engine.SearchMemory(ctx, v.engine.Caller(caller), MemoryQuery{
			Vector: query, MatchCount: matchCount, Threshold: threshold(-1),
		})
		if err != nil {
			t.Fatalf("search: %v", err)
		}

		if len(rs) > matchCount {
			t.Fatalf("got %d results for match count %d", len(rs), matchCount)
		}
		for _, r := range rs {
			switch {
			case r.AgentID == caller:
			case r.Scope == model.ScopeGlobal:
			case r.Scope == model.ScopeTeam && inTeam[caller] && inTeam[r.AgentID]:
			default:
				t.Fatalf("memory %s (owner %s, scope %s) leaked to %s", r.ID, r.AgentID, r.Scope, caller)
			}
		}
		if !slices.IsSortedFunc(rs, compareMemory) {
			t.Fatalf("results not in rank order")
		}
	})
}

// TestCompareIsTotal checks that the ranking order is a strict total order
// on distinct results, so output never depends on candidate order.
func TestCompareIsTotal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sims := rapid.SliceOfN(rapid.SampledFrom([]float64{0.5, 0.7, 0.9}), 2, 30).Draw(t, "sims")
		rs := make([]MemoryResult, len(sims))
		for i, s := range sims {
			rs[i].ID = uuid.New()
			rs[i].Similarity = s
		}
		a := slices.Clone(rs)
		b := slices.Clone(rs)
		slices.Reverse(b)
		slices.SortFunc(a, compareMemory)
		slices.SortFunc(b, compareMemory)
		for i := range a {
			if a[i].ID != b[i].ID {
				t.Fatalf("order depends on input at %d", i)
			}
		}
	})
}
