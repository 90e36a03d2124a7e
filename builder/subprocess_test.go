package builder

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CapturesStdout(t *testing.T) {
	result, err := Run(context.Background(), "", []string{"echo", "hello"}, nil)
	require.NoError(t, err)
	assert.Contains(t, result.Output, "hello")
	assert.Equal(t, 0, result.ExitCode)
}

func TestRun_NonZeroExitReturnsExitCode(t *testing.T) {
	result, err := Run(context.Background(), "", []string{"sh", "-c", "exit 7"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errNonZeroExit))
	assert.Equal(t, 7, result.ExitCode)
}

func TestRun_MissingBinaryReturnsError(t *testing.T) {
	_, err := Run(context.Background(), "", []string{"definitely-not-a-real-binary-xyz"}, nil)
	assert.Error(t, err)
}

func TestRun_EmptyArgvRejected(t *testing.T) {
	_, err := Run(context.Background(), "", nil, nil)
	assert.Error(t, err)
}

func TestBoundedBuffer_TruncatesPastLimit(t *testing.T) {
	var buf boundedBuffer
	chunk := strings.Repeat("x", 1<<20)
	for i := 0; i < 5; i++ {
		_, _ = buf.Write([]byte(chunk))
	}
	assert.True(t, buf.truncated)
	assert.LessOrEqual(t, buf.buf.Len(), maxOutputBytes)
}

func TestBuildError_UnwrapAndMessage(t *testing.T) {
	inner := errors.New("exit status 1")
	err := newBuildError(StageCompile, true, inner)
	assert.Contains(t, err.Error(), "compile")
	assert.True(t, errors.Is(err, inner))
	assert.True(t, err.Retryable)
}
