package mavlink

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
)

// ErrUnknownMode is returned for a mode name missing from the PX4 mode table
var ErrUnknownMode = errors.New("unknown flight mode")

// PX4 main modes
const (
	px4MainManual     = 1
	px4MainAltCtl     = 2
	px4MainPosCtl     = 3
	px4MainAuto       = 4
	px4MainAcro       = 5
	px4MainOffboard   = 6
	px4MainStabilized = 7
	px4MainRattitude  = 8
)

// PX4 AUTO sub modes
const (
	px4AutoReady        = 1
	px4AutoTakeoff      = 2
	px4AutoLoiter       = 3
	px4AutoMission      = 4
	px4AutoRTL          = 5
	px4AutoLand         = 6
	px4AutoRTGS         = 7
	px4AutoFollowTarget = 8
	px4AutoPrecland     = 9
)

type px4Mode struct {
	main uint8
	sub  uint8
}

// customMode packs the mode the way PX4 reports it in HEARTBEAT.custom_mode
func (m px4Mode) customMode() uint32 {
	return uint32(m.main)<<16 | uint32(m.sub)<<24
}

var px4Modes = map[string]px4Mode{
	"MANUAL":             {px4MainManual, 0},
	"ACRO":               {px4MainAcro, 0},
	"ALTCTL":             {px4MainAltCtl, 0},
	"POSCTL":             {px4MainPosCtl, 0},
	"OFFBOARD":           {px4MainOffboard, 0},
	"STABILIZED":         {px4MainStabilized, 0},
	"RATTITUDE":          {px4MainRattitude, 0},
	"AUTO.READY":         {px4MainAuto, px4AutoReady},
	"AUTO.TAKEOFF":       {px4MainAuto, px4AutoTakeoff},
	"AUTO.LOITER":        {px4MainAuto, px4AutoLoiter},
	"AUTO.MISSION":       {px4MainAuto, px4AutoMission},
	"AUTO.RTL":           {px4MainAuto, px4AutoRTL},
	"AUTO.LAND":          {px4MainAuto, px4AutoLand},
	"AUTO.RTGS":          {px4MainAuto, px4AutoRTGS},
	"AUTO.FOLLOW_TARGET": {px4MainAuto, px4AutoFollowTarget},
	"AUTO.PRECLAND":      {px4MainAuto, px4AutoPrecland},
}

var px4ModeNames = func() map[uint32]string {
	names := make(map[uint32]string, len(px4Modes))
	for name, m := range px4Modes {
		names[m.customMode()] = name
	}
	return names
}()

// lookupMode returns the PX4 main and sub mode for a mode name
func lookupMode(name string) (px4Mode, error) {
	m, ok := px4Modes[strings.ToUpper(name)]
	if !ok {
		return px4Mode{}, fmt.Errorf("%w: %s", ErrUnknownMode, name)
	}
	return m, nil
}

// ValidMode reports whether the name is a known PX4 mode
func ValidMode(name string) bool {
	_, err := lookupMode(name)
	return err == nil
}

// modeName renders the flight mode reported in a heartbeat
func modeName(baseMode common.MAV_MODE_FLAG, customMode uint32) string {
	if baseMode&common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED == 0 {
		return fmt.Sprintf("MODE(0x%02X)", uint8(baseMode))
	}
	if name, ok := px4ModeNames[customMode]; ok {
		return name
	}
	return fmt.Sprintf("CMODE(%d)", customMode)
}

func systemStatus(s common.MAV_STATE) string {
	switch s {
	case common.MAV_STATE_UNINIT:
		return "UNINIT"
	case common.MAV_STATE_BOOT:
		return "BOOT"
	case common.MAV_STATE_CALIBRATING:
		return "CALIBRATING"
	case common.MAV_STATE_STANDBY:
		return "STANDBY"
	case common.MAV_STATE_ACTIVE:
		return "ACTIVE"
	case common.MAV_STATE_CRITICAL:
		return "CRITICAL"
	case common.MAV_STATE_EMERGENCY:
		return "EMERGENCY"
	case common.MAV_STATE_POWEROFF:
		return "POWEROFF"
	case common.MAV_STATE_FLIGHT_TERMINATION:
		return "FLIGHT_TERMINATION"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}
