package lock

// Access Control notification events (Notification CC type 6), as reported
// by Schlage and most current Z-Wave locks.
var accessControlLabels = map[int]string{
	1:  "Manual Lock",
	2:  "Manual Unlock",
	3:  "RF Lock",
	4:  "RF Unlock",
	5:  "Keypad Lock",
	6:  "Keypad Unlock",
	7:  "Manual Lock Jammed",
	8:  "RF Lock Jammed",
	9:  "Auto Lock",
	10: "Auto Lock Jammed",
	11: "Lock Jammed",
	12: "All User Codes Deleted",
	13: "User Code Deleted",
	14: "New User Code Added",
	15: "Duplicate User Code",
	16: "Keypad Temporarily Disabled",
	17: "Keypad Busy",
	18: "New Program Code Entered",
}

// Legacy Alarm CC types, as reported by Kwikset and older firmware.
var alarmTypeLabels = map[int]string{
	0:   "No Status Reported",
	9:   "Lock Jammed",
	16:  "Keypad Action",
	17:  "Keypad Lock Jammed",
	18:  "Keypad Lock",
	19:  "Keypad Unlock",
	21:  "Manual Lock",
	22:  "Manual Unlock",
	23:  "RF Lock Jammed",
	24:  "RF Lock",
	25:  "RF Unlock",
	26:  "Auto Lock Jammed",
	27:  "Auto Lock",
	32:  "All User Codes Deleted",
	33:  "User Code Deleted",
	112: "User Code Changed",
	113: "Duplicate User Code",
	161: "Bad Code Entered",
	162: "User Code Attempt Outside of Schedule",
	167: "Battery Low",
	168: "Battery Critical",
	169: "Battery Too Low To Operate Lock",
}

const (
	notificationTypeAccessControl = 6
	accessControlKeypadUnlock     = 6
	alarmTypeKeypadUnlock         = 19
)

// accessControlActivity maps an Access Control event to its label and
// whether it is a keypad unlock.
func accessControlActivity(event int) (string, bool) {
	label, ok := accessControlLabels[event]
	if !ok {
		label = "Unknown"
	}
	return label, event == accessControlKeypadUnlock
}

// alarmTypeActivity maps a legacy alarm type to its label and whether it is
// a keypad unlock.
func alarmTypeActivity(alarmType int) (string, bool) {
	label, ok := alarmTypeLabels[alarmType]
	if !ok {
		label = "Unknown"
	}
	return label, alarmType == alarmTypeKeypadUnlock
}
