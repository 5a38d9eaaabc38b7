package supervisor

import (
	"testing"

	"github.com/meep1w/pocketbot/internal/model"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		name   string
		from   model.TenantStatus
		in     Input
		want   model.TenantStatus
		effect Effect
		ok     bool
	}{
		{"registered member joins", model.StatusRegistered, InputMemberJoined, model.StatusStarting, EffectStart, true},
		{"paused member rejoins", model.StatusPaused, InputMemberJoined, model.StatusStarting, EffectStart, true},
		{"running member leaves", model.StatusRunning, InputMemberLeft, model.StatusStopping, EffectStop, true},
		{"start succeeds", model.StatusStarting, InputStartOK, model.StatusRunning, EffectNone, true},
		{"start fails", model.StatusStarting, InputStartFailed, model.StatusError, EffectNone, true},
		{"stop completes", model.StatusStopping, InputStopDone, model.StatusPaused, EffectNone, true},
		{"stop completes after revoke", model.StatusStopping, InputStopDoneRevoked, model.StatusStopped, EffectNone, true},
		{"crash with restart budget", model.StatusRunning, InputCrashRestart, model.StatusStarting, EffectStart, true},
		{"crash past budget", model.StatusRunning, InputCrashFatal, model.StatusError, EffectNone, true},
		{"revoke running", model.StatusRunning, InputRevoke, model.StatusStopping, EffectStop, true},
		{"revoke mid start", model.StatusStarting, InputRevoke, model.StatusStopping, EffectStop, true},
		{"revoke registered", model.StatusRegistered, InputRevoke, model.StatusStopped, EffectNone, true},
		{"revoke paused", model.StatusPaused, InputRevoke, model.StatusStopped, EffectNone, true},
		{"revoke errored", model.StatusError, InputRevoke, model.StatusStopped, EffectNone, true},

		{"registered member leaves", model.StatusRegistered, InputMemberLeft, model.StatusRegistered, EffectNone, false},
		{"running member joins again", model.StatusRunning, InputMemberJoined, model.StatusRunning, EffectNone, false},
		{"error ignores membership", model.StatusError, InputMemberJoined, model.StatusError, EffectNone, false},
		{"stopped ignores membership", model.StatusStopped, InputMemberJoined, model.StatusStopped, EffectNone, false},
		{"stopped ignores revoke", model.StatusStopped, InputRevoke, model.StatusStopped, EffectNone, false},
		{"paused ignores stop completion", model.StatusPaused, InputStopDone, model.StatusPaused, EffectNone, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, effect, ok := Transition(tc.from, tc.in)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if next != tc.want {
				t.Fatalf("next = %s, want %s", next, tc.want)
			}
			if effect != tc.effect {
				t.Fatalf("effect = %d, want %d", effect, tc.effect)
			}
		})
	}
}

func TestInputString(t *testing.T) {
	inputs := []Input{
		InputMemberJoined, InputMemberLeft, InputStartOK, InputStartFailed,
		InputStopDone, InputStopDoneRevoked, InputCrashRestart, InputCrashFatal, InputRevoke,
	}
	seen := make(map[string]bool)
	for _, in := range inputs {
		s := in.String()
		if s == "" || s == "unknown" {
			t.Fatalf("input %d has no name", in)
		}
		if seen[s] {
			t.Fatalf("duplicate input name %q", s)
		}
		seen[s] = true
	}
}
