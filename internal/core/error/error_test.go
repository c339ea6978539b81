package errx

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestNotFound_MatchesSentinel(t *testing.T) {
	err := fmt.Errorf("load: %w", NotFound("query", "q-1"))

	require.True(t, IsNotFound(err))
	require.Equal(t, http.StatusNotFound, StatusOf(err))
	require.Contains(t, err.Error(), `query "q-1"`)
}

func TestWrapRedis(t *testing.T) {
	require.NoError(t, WrapRedis(nil))

	missing := WrapRedis(redis.Nil)
	require.True(t, IsNotFound(missing))
	require.True(t, errors.Is(missing, redis.Nil))

	boom := errors.New("connection refused")
	wrapped := WrapRedis(boom)
	require.False(t, IsNotFound(wrapped))
	require.ErrorIs(t, wrapped, boom)
	require.Equal(t, http.StatusBadGateway, StatusOf(wrapped))
}

func TestUpstream(t *testing.T) {
	require.NoError(t, Upstream(nil, "gemini"))

	cause := errors.New("quota exceeded")
	err := Upstream(cause, "gemini")

	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, UpstreamErrorMessage, appErr.Message)
	require.ErrorIs(t, err, cause)
	require.Equal(t, http.StatusInternalServerError, StatusOf(cause))
}
