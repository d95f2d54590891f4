package codes

import "fmt"

// ExitCodes maps common subprocess exit statuses to their descriptions
var ExitCodes = map[int]string{
	0:   "Success",
	1:   "General failure",
	2:   "Invalid usage or build error",
	126: "Command found but not executable",
	127: "Command not found",
	130: "Interrupted",
	137: "Killed",
	143: "Terminated",
}

// signals maps POSIX signal numbers to names for 128+n exit statuses
var signals = map[int]string{
	1:  "SIGHUP",
	2:  "SIGINT",
	6:  "SIGABRT",
	9:  "SIGKILL",
	11: "SIGSEGV",
	15: "SIGTERM",
}

// GetErrorMessage returns the message for a given exit code, or a generic message if unknown
func GetErrorMessage(code int) string {
	if msg, ok := ExitCodes[code]; ok {
		return msg
	}

	if code > 128 {
		if name, ok := signals[code-128]; ok {
			return fmt.Sprintf("Terminated by %s", name)
		}
	}

	if code < 0 {
		return "Terminated by signal"
	}

	return "Unknown error"
}
