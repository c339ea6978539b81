package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEnvironment(t *testing.T) {
	require.Equal(t, Production, ParseEnvironment(" PROD "))
	require.Equal(t, Production, ParseEnvironment("production"))
	require.Equal(t, Staging, ParseEnvironment("staging"))
	require.Equal(t, Testing, ParseEnvironment("test"))
	require.Equal(t, Development, ParseEnvironment("qa-cluster-7"))
	require.Equal(t, Development, ParseEnvironment(""))

	require.True(t, Production.IsProduction())
	require.False(t, Staging.UsesConsoleLogs())
	require.True(t, Testing.UsesConsoleLogs())
}
