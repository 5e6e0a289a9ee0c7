package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lyncmos/internal/config"
	"lyncmos/internal/core"
)

func growthOnly() Service {
	return New(
		map[string]config.PlatformKey{"K1": {Role: "platform_growth", Label: "Growth Engine"}},
		map[string][]string{"platform_growth": {CapGrowthMetrics}},
	)
}

func TestAuthorizeGrantsMatchingCapability(t *testing.T) {
	id, err := growthOnly().Authorize("K1", CapGrowthMetrics)
	require.NoError(t, err)
	assert.Equal(t, ConsumerIdentity{Role: "platform_growth", Label: "Growth Engine"}, id)
}

func TestAuthorizeMissingCapability(t *testing.T) {
	_, err := growthOnly().Authorize("K1", CapOperationalMetrics)
	var aerr *Error
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, CodeInsufficient, aerr.Code)
	assert.Contains(t, aerr.Message, "Growth Engine")
	assert.Contains(t, aerr.Message, CapOperationalMetrics)

	f := core.FaultFrom(err)
	assert.Equal(t, CodeInsufficient, f.Code)
	assert.Equal(t, core.KindAuthorization, f.Kind)
	assert.False(t, f.Kind.Counted())
}

func TestAuthorizeUnknownKey(t *testing.T) {
	_, err := growthOnly().Authorize("unknown", CapGrowthMetrics)
	var aerr *Error
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, CodeUnauthorized, aerr.Code)
	assert.Equal(t, "E001: UNAUTHORIZED_ACCESS - Invalid Platform Key.", aerr.Message)
}

func TestAuthorizeDefaultRegistry(t *testing.T) {
	svc := FromConfig(config.Default())
	cases := []struct {
		key, capability string
		code            string
	}{
		{"mos_pk_control_live_8291", CapOperationalMetrics, ""},
		{"mos_pk_control_live_8291", CapGrowthMetrics, CodeInsufficient},
		{"mos_pk_growth_data_0021", CapGrowthMetrics, ""},
		{"mos_pk_growth_data_0021", CapRevenueIntegrity, CodeInsufficient},
		{"mos_pk_admin_global_7734", CapAuditLogs, ""},
		{"mos_pk_admin_global_7734", CapProjections, CodeInsufficient},
		{"", CapSystemHealth, CodeUnauthorized},
	}
	for _, tc := range cases {
		_, err := svc.Authorize(tc.key, tc.capability)
		if tc.code == "" {
			assert.NoError(t, err, "%s/%s", tc.key, tc.capability)
			continue
		}
		assert.Equal(t, tc.code, core.FaultFrom(err).Code, "%s/%s", tc.key, tc.capability)
	}
}

func TestConsumerInfo(t *testing.T) {
	svc := growthOnly()
	assert.Equal(t, "Growth Engine", svc.ConsumerInfo("K1").Label)
	assert.Equal(t, ConsumerIdentity{Role: RoleEdge, Label: "Edge Terminal"}, svc.ConsumerInfo("nope"))
	assert.Equal(t, []string{CapGrowthMetrics}, svc.Capabilities("K1"))
	assert.Nil(t, svc.Capabilities("nope"))
}

func TestMissingKey(t *testing.T) {
	err := MissingKey("dispatch")
	assert.Equal(t, CodeMissingPlatformKey, err.ErrorCode())
	assert.Contains(t, err.Error(), "dispatch")
	assert.Equal(t, core.KindAuthorization, err.FaultKind())
}
