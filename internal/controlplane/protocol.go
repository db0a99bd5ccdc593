// Package controlplane implements the ControlPlane of spec.md §4.10: a
// per-host Unix socket (POSIX only; the Windows build has no listener) accepting
// newline-terminated JSON requests and replying with newline-terminated
// JSON, one command in flight against the Supervisor at a time. It is
// grounded on the teacher's internal/manager/handler.go CtrlMsg dispatch
// (reused directly via internal/supervisor) for the single-writer
// guarantee, and on internal/server/router.go's request/reply JSON
// shape, adapted from HTTP responses to the spec's raw newline framing.
package controlplane

import "github.com/loykin/provand/internal/registry"

// Action names accepted on the control socket (spec.md §4.10).
const (
	ActionPing      = "ping"
	ActionStart     = "start"
	ActionStop      = "stop"
	ActionRestart   = "restart"
	ActionStatus    = "status"
	ActionLogs      = "logs"
	ActionSave      = "save"
	ActionDelete    = "delete"
	ActionStartup   = "startup"
	ActionUnstartup = "unstartup"
)

// TargetAll is the literal target value meaning "every known entry".
const TargetAll = "all"

// Request is one newline-terminated JSON command read from the socket.
// Spec carries the full entry declaration for "start"; Options carries
// small scalar parameters for other actions (e.g. logs' "lines" count,
// stop/restart's "wait" duration).
type Request struct {
	Action  string            `json:"action"`
	Target  string            `json:"target,omitempty"`
	Spec    *registry.Spec    `json:"spec,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// Reply is one newline-terminated JSON response written back.
type Reply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func ok(msg string, data any) Reply { return Reply{Success: true, Message: msg, Data: data} }
func fail(msg string) Reply         { return Reply{Success: false, Message: msg} }
