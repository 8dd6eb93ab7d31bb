package engine

import (
	"fmt"
	"testing"
)

func TestShouldUseNewVersionDisabled(t *testing.T) {
	st := &Status{Name: "checkout", Enabled: false, Percentage: 100}
	if ShouldUseNewVersion("tenant-1", st) {
		t.Fatal("disabled rollout must never route to the new version")
	}
}

func TestShouldUseNewVersionOverrides(t *testing.T) {
	st := &Status{
		Name:            "checkout",
		Enabled:         true,
		Percentage:      0,
		EnabledTenants:  []string{"vip"},
		DisabledTenants: []string{"fragile"},
	}
	if !ShouldUseNewVersion("vip", st) {
		t.Error("explicitly enabled tenant should use new version at 0%")
	}
	st.Percentage = 100
	if ShouldUseNewVersion("fragile", st) {
		t.Error("explicitly disabled tenant should stay on old version at 100%")
	}
}

func TestShouldUseNewVersionDisabledOverrideWins(t *testing.T) {
	// A tenant on both lists is treated as disabled.
	st := &Status{
		Name:            "checkout",
		Enabled:         true,
		Percentage:      100,
		EnabledTenants:  []string{"both"},
		DisabledTenants: []string{"both"},
	}
	if ShouldUseNewVersion("both", st) {
		t.Fatal("disabled override must win over enabled override")
	}
}

func TestShouldUseNewVersionDeterministic(t *testing.T) {
	st := &Status{Name: "checkout", Enabled: true, Percentage: 50}
	first := ShouldUseNewVersion("tenant-42", st)
	for i := 0; i < 10; i++ {
		if got := ShouldUseNewVersion("tenant-42", st); got != first {
			t.Fatal("selection must be deterministic for a fixed status")
		}
	}
}

func TestShouldUseNewVersionBoundaries(t *testing.T) {
	st := &Status{Name: "checkout", Enabled: true, Percentage: 0}
	for _, id := range []string{"a", "b", "c", "tenant-7"} {
		if ShouldUseNewVersion(id, st) {
			t.Errorf("tenant %q selected at 0%%", id)
		}
	}
	st.Percentage = 100
	for _, id := range []string{"a", "b", "c", "tenant-7"} {
		if !ShouldUseNewVersion(id, st) {
			t.Errorf("tenant %q not selected at 100%%", id)
		}
	}
}

func TestShouldUseNewVersionProportional(t *testing.T) {
	st := &Status{Name: "checkout", Enabled: true, Percentage: 25}
	selected := 0
	const n = 2000
	for i := 0; i < n; i++ {
		if ShouldUseNewVersion(tenantID(i), st) {
			selected++
		}
	}
	frac := float64(selected) / n
	if frac < 0.20 || frac > 0.30 {
		t.Errorf("selected fraction %.3f outside [0.20, 0.30] at 25%%", frac)
	}
}

func TestShouldUseNewVersionMonotonic(t *testing.T) {
	// A tenant selected at a lower percentage stays selected at every
	// higher percentage.
	low := &Status{Name: "checkout", Enabled: true, Percentage: 10}
	high := &Status{Name: "checkout", Enabled: true, Percentage: 50}
	for i := 0; i < 500; i++ {
		id := tenantID(i)
		if ShouldUseNewVersion(id, low) && !ShouldUseNewVersion(id, high) {
			t.Fatalf("tenant %q selected at 10%% but not at 50%%", id)
		}
	}
}

func TestShouldUseNewVersionVariesByRollout(t *testing.T) {
	a := &Status{Name: "checkout", Enabled: true, Percentage: 50}
	b := &Status{Name: "billing", Enabled: true, Percentage: 50}
	differ := 0
	for i := 0; i < 500; i++ {
		id := tenantID(i)
		if ShouldUseNewVersion(id, a) != ShouldUseNewVersion(id, b) {
			differ++
		}
	}
	if differ == 0 {
		t.Fatal("bucket assignment should differ between rollouts")
	}
}

func tenantID(i int) string {
	return fmt.Sprintf("tenant-%d", i)
}
