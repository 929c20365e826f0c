package mavlink

import (
	"testing"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupMode(t *testing.T) {
	testCases := []struct {
		name string
		main uint8
		sub  uint8
	}{
		{"OFFBOARD", px4MainOffboard, 0},
		{"offboard", px4MainOffboard, 0},
		{"POSCTL", px4MainPosCtl, 0},
		{"AUTO.LAND", px4MainAuto, px4AutoLand},
		{"AUTO.PRECLAND", px4MainAuto, px4AutoPrecland},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := lookupMode(tc.name)
			require.NoError(t, err)
			assert.Equal(t, tc.main, m.main)
			assert.Equal(t, tc.sub, m.sub)
		})
	}

	_, err := lookupMode("WARP")
	assert.ErrorIs(t, err, ErrUnknownMode)
	assert.False(t, ValidMode("WARP"))
	assert.True(t, ValidMode("AUTO.RTL"))
}

func TestModeName(t *testing.T) {
	custom := common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED

	for name, m := range px4Modes {
		assert.Equal(t, name, modeName(custom, m.customMode()))
	}

	assert.Equal(t, "OFFBOARD", modeName(custom, 6<<16))
	assert.Equal(t, "AUTO.LOITER", modeName(custom, 4<<16|3<<24))
	assert.Equal(t, "CMODE(720896)", modeName(custom, 11<<16))
	assert.Equal(t, "MODE(0x80)", modeName(common.MAV_MODE_FLAG_SAFETY_ARMED, 6<<16))
}
