package agent

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/townhall-labs/townhall/core"
)

func TestInstruction_Static(t *testing.T) {
	inst := NewInstructionFromText("You are helpful.")
	assert.True(t, inst.IsStatic())

	text, err := inst.Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, "You are helpful.", text)
}

func TestInstruction_FromFunc(t *testing.T) {
	inst := NewInstructionFromFunc(func(rc *core.RunContext) (string, error) {
		return "dynamic", nil
	})
	assert.False(t, inst.IsStatic())

	text, err := inst.Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, "dynamic", text)
}

type staticProvider struct{ text string }

func (p staticProvider) Instruction(*core.RunContext) (string, error) { return p.text, nil }

func TestInstruction_FromProvider(t *testing.T) {
	inst := NewInstructionFromProvider(staticProvider{text: "from provider"})

	text, err := inst.Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, "from provider", text)
}

func TestInstruction_ErrorPropagation(t *testing.T) {
	boom := errors.New("boom")
	inst := NewInstructionFromFunc(func(rc *core.RunContext) (string, error) {
		return "", boom
	})

	_, err := inst.Resolve(nil)
	assert.ErrorIs(t, err, boom)
}
