package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHashing(t *testing.T) {
	hashed, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hashed)

	u := &User{ID: 1, Username: "alice", Password: hashed}
	assert.True(t, u.CheckPassword("hunter2"))
	assert.False(t, u.CheckPassword("hunter3"))
	assert.False(t, u.CheckPassword(""))

	plain := &User{Password: "hunter2"}
	assert.False(t, plain.CheckPassword("hunter2"))
}

func TestLongMultiBytePassword(t *testing.T) {
	long := strings.Repeat("日", 33)
	hashed, err := HashPassword(long)
	require.NoError(t, err)

	u := &User{Password: hashed}
	assert.True(t, u.CheckPassword(long))
	// passwords sharing the first 72 bytes must still differ
	assert.False(t, u.CheckPassword(strings.Repeat("日", 32)+"本"))
}
