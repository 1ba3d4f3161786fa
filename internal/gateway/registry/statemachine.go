package registry

import "fmt"

// Trigger names a lifecycle event that moves a server between statuses.
type Trigger string

const (
	TriggerSubmitScan   Trigger = "submit-scan"
	TriggerScanStarts   Trigger = "scan-starts"
	TriggerScanPass     Trigger = "scan-pass"
	TriggerScanFail     Trigger = "scan-fail"
	TriggerApprove      Trigger = "approve"
	TriggerDeny         Trigger = "deny"
	TriggerDeprecate    Trigger = "deprecate"
	TriggerSuspend      Trigger = "suspend"
	TriggerReinstate    Trigger = "reinstate"
	TriggerMaterialEdit Trigger = "material-edit"
)

// transitions is the permitted (trigger, from) -> to table. Approving a
// ScannedFail server additionally requires an override reason, checked by
// the service, not here.
var transitions = map[Trigger]map[ServerStatus]ServerStatus{
	TriggerSubmitScan: {
		StatusDraft:       StatusPendingScan,
		StatusScannedPass: StatusPendingScan,
		StatusScannedFail: StatusPendingScan,
		StatusDenied:      StatusPendingScan,
	},
	TriggerScanStarts: {
		StatusPendingScan: StatusScanning,
	},
	TriggerScanPass: {
		StatusScanning: StatusScannedPass,
	},
	TriggerScanFail: {
		StatusScanning: StatusScannedFail,
	},
	TriggerApprove: {
		StatusScannedPass:     StatusApproved,
		StatusPendingApproval: StatusApproved,
		StatusScannedFail:     StatusApproved, // override reason required
	},
	TriggerSuspend: {
		StatusApproved: StatusSuspended,
	},
	TriggerDeprecate: {
		StatusApproved:  StatusDeprecated,
		StatusSuspended: StatusDeprecated,
	},
	TriggerReinstate: {
		StatusSuspended: StatusApproved,
	},
	TriggerMaterialEdit: {
		StatusApproved: StatusDraft,
	},
}

// terminalStatuses cannot be denied again; everything else can.
var terminalStatuses = map[ServerStatus]bool{
	StatusDenied:     true,
	StatusDeprecated: true,
}

// NextStatus resolves the target status for trigger from the current one.
// Deny is legal from any non-terminal status.
func NextStatus(trigger Trigger, from ServerStatus) (ServerStatus, error) {
	if trigger == TriggerDeny {
		if terminalStatuses[from] {
			return 0, &InvalidStateError{Trigger: trigger, From: from}
		}
		return StatusDenied, nil
	}
	to, ok := transitions[trigger][from]
	if !ok {
		return 0, &InvalidStateError{Trigger: trigger, From: from}
	}
	return to, nil
}

// CanTransition reports whether trigger is legal from the given status.
func CanTransition(trigger Trigger, from ServerStatus) bool {
	_, err := NextStatus(trigger, from)
	return err == nil
}

// InvalidStateError indicates an operation not permitted from the server's
// current status.
type InvalidStateError struct {
	Trigger Trigger
	From    ServerStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("operation %s not permitted from status %s", e.Trigger, e.From)
}
