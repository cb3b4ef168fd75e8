package usbkbd

import (
	"github.com/zenduo/duod/internal/keymap"
	"github.com/zenduo/duod/internal/state"
)

// ReportID prefixes every vendor report of the keyboard, in both directions.
const ReportID = 0x5a

const (
	reportSize    = 16
	keyReportSize = 6
)

// DecodeReport extracts the function-key code from an input report of the form
// [0x5a, code, 0, 0, 0, 0]. Zero padding past the sixth byte is accepted. ok is false for
// anything else.
func DecodeReport(report []byte) (code keymap.Code, ok bool) {
	if len(report) < keyReportSize || report[0] != ReportID {
		return 0, false
	}
	for _, b := range report[2:] {
		if b != 0 {
			return 0, false
		}
	}
	return keymap.Code(report[1]), true
}

func featureReport(payload ...byte) []byte {
	report := make([]byte, reportSize)
	report[0] = ReportID
	copy(report[1:], payload)
	return report
}

// FnLockReport makes the keyboard report function keys on interface 4.
func FnLockReport() []byte {
	return featureReport(0xd0, 0x4e, 0x00)
}

// BacklightReport sets the backlight level, 0 (off) to 3 (high).
func BacklightReport(level state.Level) []byte {
	return featureReport(0xba, 0xc5, 0xc4, byte(level))
}

func MicMuteReport(on bool) []byte {
	var v byte
	if on {
		v = 0x01
	}
	return featureReport(0xd0, 0x7c, v)
}
