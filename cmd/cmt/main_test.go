package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNode(t *testing.T) {
	id, addr, err := parseNode("1=127.0.0.1:8000")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, "127.0.0.1:8000", addr)

	// 非法格式
	for _, input := range []string{"1", "=addr", "0=addr", "x=addr", "1="} {
		_, _, err := parseNode(input)
		assert.ErrorIs(t, err, errUsage, "输入 %q", input)
	}
}
