package interfaces

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validDefinition() *VMDefinition {
	return &VMDefinition{
		HostCPUFamily: "Milan",
		VCPUCount:     12,
		GuestFeatures: 0x1,
		PlatformInfo:  0x3,
		GuestPolicy:   0x30000,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, validDefinition().Validate())
}

func TestValidateRejectsOverflowingMasks(t *testing.T) {
	for _, tc := range []struct {
		field string
		set   func(*VMDefinition)
	}{
		{"guest_features", func(d *VMDefinition) { d.GuestFeatures = 1 << 63 }},
		{"platform_info", func(d *VMDefinition) { d.PlatformInfo = 1 << 63 }},
		{"guest_policy", func(d *VMDefinition) { d.GuestPolicy = 1 << 63 }},
	} {
		def := validDefinition()
		tc.set(def)

		err := def.Validate()
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		require.Equal(t, tc.field, cfgErr.Field)
	}
}

func TestTCBVersionWireLayout(t *testing.T) {
	tcb := TCBVersion{Bootloader: 4, TEE: 1, SNP: 22, Microcode: 213}
	require.Equal(t, []byte{4, 1, 0, 0, 0, 0, 22, 213}, tcb.Bytes())
}
