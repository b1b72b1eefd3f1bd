package facility

// Operator-visible status strings are looked up from a translation table
// so alternate language packs can replace the whole set at once. Only the
// English table ships.

// MsgID keys one operator-visible status string.
type MsgID int

const (
	MsgAutoInactive MsgID = iota
	MsgAutoMonitored
	MsgAutoBurnRate
	MsgAutoCharge
	MsgAutoGenRate
	MsgAutoGenFaultIdle
	MsgUnitsNotReady
	MsgScramMatrixDC
	MsgScramMatrixFill
	MsgScramCritAlarm
	MsgScramRadiation
	MsgScramGenFault
	MsgAwaitingAck
)

// statusTable is the English language pack.
var statusTable = map[MsgID]string{
	MsgAutoInactive:     "AUTO CONTROL INACTIVE",
	MsgAutoMonitored:    "MONITORED MODE",
	MsgAutoBurnRate:     "BURN RATE CONTROL",
	MsgAutoCharge:       "CHARGE LEVEL CONTROL",
	MsgAutoGenRate:      "GENERATION RATE CONTROL",
	MsgAutoGenFaultIdle: "GENERATION FAULT IDLE",
	MsgUnitsNotReady:    "UNITS NOT READY",
	MsgScramMatrixDC:    "AUTO SCRAM: MATRIX DISCONNECTED",
	MsgScramMatrixFill:  "AUTO SCRAM: MATRIX CHARGE HIGH",
	MsgScramCritAlarm:   "AUTO SCRAM: CRITICAL ALARM",
	MsgScramRadiation:   "AUTO SCRAM: RADIATION HIGH",
	MsgScramGenFault:    "AUTO SCRAM: GENERATION FAULT",
	MsgAwaitingAck:      "AWAITING OPERATOR ACK",
}

// statusText resolves a message id against the active language pack.
func statusText(id MsgID) string {
	if s, ok := statusTable[id]; ok {
		return s
	}
	return ""
}

// scramStatusMsg maps a SCRAM reason to its status line message.
func scramStatusMsg(r ScramReason) MsgID {
	switch r {
	case ScramMatrixDC:
		return MsgScramMatrixDC
	case ScramMatrixFill:
		return MsgScramMatrixFill
	case ScramCritAlarm:
		return MsgScramCritAlarm
	case ScramRadiation:
		return MsgScramRadiation
	case ScramGenFault:
		return MsgScramGenFault
	default:
		return MsgAutoInactive
	}
}
