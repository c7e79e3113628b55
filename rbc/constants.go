package rbc

// Message classes. A target receives a message when its mask contains
// every bit of the message flag.
const (
	FlagHeight    = 0x1
	FlagDetection = 0x2
	FlagSummary   = 0x4

	FlagAll = FlagHeight | FlagDetection | FlagSummary
)

const headerPrefix = "display:   ,"
