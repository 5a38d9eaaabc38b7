package supervisor

import "github.com/meep1w/pocketbot/internal/model"

// Input is a classified lifecycle trigger for one tenant. The event loop
// reduces raw events (membership flips, operation completions, admin
// commands) to inputs before consulting the transition table.
type Input int

const (
	// InputMemberJoined fires when the owner (re)joined the channel.
	InputMemberJoined Input = iota
	// InputMemberLeft fires when the owner left or was kicked.
	InputMemberLeft
	// InputStartOK fires when a worker start attempt succeeded.
	InputStartOK
	// InputStartFailed fires when a worker start attempt failed.
	InputStartFailed
	// InputStopDone fires when a worker stop completed for a paused tenant.
	InputStopDone
	// InputStopDoneRevoked fires when a worker stop completed for a revoked tenant.
	InputStopDoneRevoked
	// InputCrashRestart fires when a running worker exited and a restart is allowed.
	InputCrashRestart
	// InputCrashFatal fires when a running worker exited past the crash budget
	// or with the owner already gone.
	InputCrashFatal
	// InputRevoke is the admin command removing a tenant for good.
	InputRevoke
)

func (in Input) String() string {
	switch in {
	case InputMemberJoined:
		return "member_joined"
	case InputMemberLeft:
		return "member_left"
	case InputStartOK:
		return "start_ok"
	case InputStartFailed:
		return "start_failed"
	case InputStopDone:
		return "stop_done"
	case InputStopDoneRevoked:
		return "stop_done_revoked"
	case InputCrashRestart:
		return "crash_restart"
	case InputCrashFatal:
		return "crash_fatal"
	case InputRevoke:
		return "revoke"
	}
	return "unknown"
}

// Effect is the side effect a transition requests. Effects run on dedicated
// goroutines outside the event loop.
type Effect int

const (
	EffectNone Effect = iota
	EffectStart
	EffectStop
)

// Transition is the pure tenant state machine: (status, input) -> (status,
// effect). ok reports whether the input is defined for the status; undefined
// combinations leave the tenant untouched and are ignored by the caller.
func Transition(s model.TenantStatus, in Input) (model.TenantStatus, Effect, bool) {
	switch in {
	case InputMemberJoined:
		switch s {
		case model.StatusRegistered, model.StatusPaused:
			return model.StatusStarting, EffectStart, true
		}
	case InputMemberLeft:
		if s == model.StatusRunning {
			return model.StatusStopping, EffectStop, true
		}
	case InputStartOK:
		if s == model.StatusStarting {
			return model.StatusRunning, EffectNone, true
		}
	case InputStartFailed:
		if s == model.StatusStarting {
			return model.StatusError, EffectNone, true
		}
	case InputStopDone:
		if s == model.StatusStopping {
			return model.StatusPaused, EffectNone, true
		}
	case InputStopDoneRevoked:
		if s == model.StatusStopping {
			return model.StatusStopped, EffectNone, true
		}
	case InputCrashRestart:
		if s == model.StatusRunning {
			return model.StatusStarting, EffectStart, true
		}
	case InputCrashFatal:
		if s == model.StatusRunning {
			return model.StatusError, EffectNone, true
		}
	case InputRevoke:
		switch s {
		case model.StatusRunning, model.StatusStarting:
			return model.StatusStopping, EffectStop, true
		case model.StatusRegistered, model.StatusPaused, model.StatusError:
			return model.StatusStopped, EffectNone, true
		}
	}
	return s, EffectNone, false
}
