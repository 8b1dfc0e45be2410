package transport

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLine(t *testing.T) {
	long := strings.Repeat("x", 40)
	r := bufio.NewReaderSize(strings.NewReader("short\n"+long+"\nafter\nlast"), 16)

	line, err := readLine(r, 32)
	require.NoError(t, err)
	assert.Equal(t, "short\n", string(line))

	_, err = readLine(r, 32)
	assert.ErrorIs(t, err, errLineTooLong)

	line, err = readLine(r, 32)
	require.NoError(t, err)
	assert.Equal(t, "after\n", string(line))

	line, err = readLine(r, 32)
	require.NoError(t, err)
	assert.Equal(t, "last", string(line))

	_, err = readLine(r, 32)
	assert.ErrorIs(t, err, io.EOF)
}
