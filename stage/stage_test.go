package stage

import "testing"

func TestOrderAndTraversal(t *testing.T) {
	want := []Stage{Disabled, Canary, EarlyAdopters, Expansion, Majority, Complete}
	got := Order()
	if len(got) != len(want) {
		t.Fatalf("expected %d stages, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stage %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	// Walk forward through the whole order.
	cur := Disabled
	for i := 1; i < len(want); i++ {
		next, ok := Next(cur)
		if !ok {
			t.Fatalf("Next(%s): expected a stage", cur)
		}
		if next != want[i] {
			t.Fatalf("Next(%s): expected %s, got %s", cur, want[i], next)
		}
		cur = next
	}
}

func TestNoWraparound(t *testing.T) {
	if next, ok := Next(Complete); ok {
		t.Errorf("Next(complete) should not exist, got %s", next)
	}
	if prev, ok := Previous(Disabled); ok {
		t.Errorf("Previous(disabled) should not exist, got %s", prev)
	}
	if _, ok := Next(Stage("bogus")); ok {
		t.Error("Next of unknown stage should not exist")
	}
}

func TestPrevious(t *testing.T) {
	prev, ok := Previous(Majority)
	if !ok || prev != Expansion {
		t.Errorf("Previous(majority): expected expansion, got %s (ok=%v)", prev, ok)
	}
}

func TestPercentagesNonDecreasing(t *testing.T) {
	cat := DefaultCatalog()
	wantPcts := []float64{0, 5, 10, 25, 50, 100}
	prev := -1.0
	for i, s := range Order() {
		pct := cat.PercentageFor(s)
		if pct != wantPcts[i] {
			t.Errorf("%s: expected %.0f%%, got %.0f%%", s, wantPcts[i], pct)
		}
		if pct < prev {
			t.Errorf("%s: percentage %.0f decreased from %.0f", s, pct, prev)
		}
		prev = pct
	}
}

func TestNoGoAtLeastGo(t *testing.T) {
	cat := DefaultCatalog()
	for _, s := range Order() {
		cfg := cat.ConfigFor(s)
		if cfg.NoGo.MaxErrorRate < cfg.Go.MaxErrorRate {
			t.Errorf("%s: no-go error rate below go threshold", s)
		}
		if cfg.NoGo.MaxP95LatencyMs < cfg.Go.MaxP95LatencyMs {
			t.Errorf("%s: no-go p95 below go threshold", s)
		}
		if cfg.NoGo.MaxFailedCallsRate < cfg.Go.MaxFailedCallsRate {
			t.Errorf("%s: no-go failed-calls rate below go threshold", s)
		}
		if cfg.NoGo.MaxCircuitBreakerOpens < cfg.Go.MaxCircuitBreakerOpens {
			t.Errorf("%s: no-go breaker opens below go threshold", s)
		}
	}
}

func TestForPercentage(t *testing.T) {
	tests := []struct {
		pct     float64
		enabled bool
		want    Stage
	}{
		{0, false, Disabled},
		{100, false, Disabled},
		{0, true, Disabled},
		{1, true, Canary},
		{5, true, Canary},
		{9.9, true, Canary},
		{10, true, EarlyAdopters},
		{24, true, EarlyAdopters},
		{25, true, Expansion},
		{49, true, Expansion},
		{50, true, Majority},
		{99, true, Majority},
		{100, true, Complete},
		{150, true, Complete},
	}
	for _, tc := range tests {
		if got := ForPercentage(tc.pct, tc.enabled); got != tc.want {
			t.Errorf("ForPercentage(%.1f, %v): expected %s, got %s", tc.pct, tc.enabled, tc.want, got)
		}
	}
}

func TestConfigForUnknownStage(t *testing.T) {
	cat := DefaultCatalog()
	cfg := cat.ConfigFor(Stage("bogus"))
	if cfg.Percentage != 0 {
		t.Errorf("unknown stage should resolve to disabled config, got %.0f%%", cfg.Percentage)
	}
}
