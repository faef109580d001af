package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultTaskListLimit, ClampLimit(0))
	assert.Equal(t, DefaultTaskListLimit, ClampLimit(-3))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, MaxTaskListLimit, ClampLimit(MaxTaskListLimit+1))
}

func TestNewID(t *testing.T) {
	a, b := NewID("tsk"), NewID("tsk")
	assert.True(t, strings.HasPrefix(a, "tsk_"))
	assert.NotEqual(t, a, b)
}
