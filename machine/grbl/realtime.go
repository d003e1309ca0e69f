package grbl

// Real-time commands. These are handled by the controller as soon as they
// are received and never occupy space in its receive buffer.
const (
	CmdStatusQuery byte = '?'
	CmdFeedHold    byte = '!'
	CmdCycleStart  byte = '~'
	CmdReset       byte = 0x18

	CmdSafetyDoor byte = 0x84
	CmdJogCancel  byte = 0x85

	CmdFeedOvReset   byte = 0x90
	CmdFeedOvPlus10  byte = 0x91
	CmdFeedOvMinus10 byte = 0x92
	CmdFeedOvPlus1   byte = 0x93
	CmdFeedOvMinus1  byte = 0x94

	CmdRapidOvReset byte = 0x95
	CmdRapidOvHalf  byte = 0x96
	CmdRapidOvLow   byte = 0x97

	CmdSpindleOvReset   byte = 0x99
	CmdSpindleOvPlus10  byte = 0x9A
	CmdSpindleOvMinus10 byte = 0x9B
	CmdSpindleOvPlus1   byte = 0x9C
	CmdSpindleOvMinus1  byte = 0x9D
	CmdSpindleStop      byte = 0x9E

	CmdFloodToggle byte = 0xA0
	CmdMistToggle  byte = 0xA1
)

// IsRealtime returns true if b is a real-time command byte.
func IsRealtime(b byte) bool {
	switch b {
	case CmdStatusQuery, CmdFeedHold, CmdCycleStart, CmdReset:
		return true
	}
	return b >= 0x80 && b <= 0xA1
}
