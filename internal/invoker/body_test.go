package invoker

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayBodyReadsAgain(t *testing.T) {
	body := newReplayBody(strings.NewReader("payload"), 1024)

	first, err := io.ReadAll(body.Reader())
	require.NoError(t, err)
	second, err := io.ReadAll(body.Reader())
	require.NoError(t, err)

	assert.Equal(t, "payload", string(first))
	assert.Equal(t, "payload", string(second))
}

func TestReplayBodyResumesPartialRead(t *testing.T) {
	body := newReplayBody(strings.NewReader("payload"), 1024)

	buf := make([]byte, 3)
	n, err := body.Reader().Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pay", string(buf[:n]))

	all, err := io.ReadAll(body.Reader())
	require.NoError(t, err)
	assert.Equal(t, "payload", string(all))
}

func TestReplayBodyOverLimit(t *testing.T) {
	body := newReplayBody(strings.NewReader("hello world"), 4)

	first, err := io.ReadAll(body.Reader())
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(first))

	_, err = io.ReadAll(body.Reader())
	assert.ErrorIs(t, err, ErrBodyNotReplayable)
}

func TestReplayBodyEmpty(t *testing.T) {
	body := newReplayBody(strings.NewReader(""), 0)

	for i := 0; i < 2; i++ {
		all, err := io.ReadAll(body.Reader())
		require.NoError(t, err)
		assert.Empty(t, all)
	}
}
