package observability

import (
	"context"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestOTelConfig_ResourceTagsComponent(t *testing.T) {
	cfg := OTelConfig{ServiceName: "gymdesk", ServiceVersion: "1.2.3", Environment: "staging", Component: "sweeper"}
	res, err := cfg.resource(context.Background())
	require.NoError(t, err)

	set := res.Set()
	component, ok := set.Value(ComponentKey)
	require.True(t, ok)
	assert.Equal(t, "sweeper", component.AsString())
	env, ok := set.Value(semconv.DeploymentEnvironmentKey)
	require.True(t, ok)
	assert.Equal(t, "staging", env.AsString())
	version, ok := set.Value(semconv.ServiceVersionKey)
	require.True(t, ok)
	assert.Equal(t, "1.2.3", version.AsString())
}

func TestOTelConfig_ResourceOmitsEmptyAttributes(t *testing.T) {
	res, err := OTelConfig{ServiceName: "gymdesk"}.resource(context.Background())
	require.NoError(t, err)

	_, ok := res.Set().Value(ComponentKey)
	assert.False(t, ok)
	_, ok = res.Set().Value(semconv.DeploymentEnvironmentKey)
	assert.False(t, ok)
}

func TestInitOTel_Disabled(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	providers, err := InitOTel(context.Background(), OTelConfig{Component: "api"}, logger)
	require.NoError(t, err)
	assert.Nil(t, providers)
	assert.Equal(t, "api", hook.LastEntry().Data["component"])
	assert.NoError(t, ShutdownOTel(context.Background(), providers, logger))
}
