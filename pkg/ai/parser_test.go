package ai

import (
	"testing"

	"novel-engine/shared/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSegmentResponse(t *testing.T) {
	t.Run("Fenced JSON", func(t *testing.T) {
		res, err := ParseSegmentResponse("```json\n{\"text\":\" Hello \",\"environmentTheme\":\"Underwater\"}\n```")
		require.NoError(t, err)
		assert.Equal(t, "Hello", res.Text)
		assert.Equal(t, "default", res.EnvironmentTheme)
	})

	t.Run("Plain prose taken verbatim", func(t *testing.T) {
		res, err := ParseSegmentResponse("The wind howls.")
		require.NoError(t, err)
		assert.Equal(t, "The wind howls.", res.Text)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := ParseSegmentResponse("   ")
		assert.ErrorIs(t, err, models.ErrGenerationFailed)
	})
}

func TestParseOutlineResponse(t *testing.T) {
	o, err := ParseOutlineResponse(`{"title":"T","opening":"It begins.","beats":["a","b"],"environmentTheme":"forest"}`)
	require.NoError(t, err)
	assert.Equal(t, "It begins.", o.Opening)
	assert.Equal(t, []string{"a", "b"}, o.Beats)
	assert.Equal(t, "forest", o.EnvironmentTheme)

	_, err = ParseOutlineResponse(`{"title":"T"}`)
	assert.ErrorIs(t, err, models.ErrGenerationFailed)

	o, err = ParseOutlineResponse("Once upon a time.")
	require.NoError(t, err)
	assert.Equal(t, "Once upon a time.", o.Opening)
}

func TestApproxCounter(t *testing.T) {
	c := ApproxCounter{}
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 3, c.Count("hello world"))
	assert.Equal(t, 2, c.Count("你好"))
}
