package llm

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirectJSON(t *testing.T) {
	text := `{"rating": "buy", "score": 85, "confidence": 70, "summary": "Momentum intact"}`
	resp := ParseStructuredResponse(text)
	require.NotNil(t, resp)
	assert.Equal(t, "BUY", resp.Rating)
	assert.Equal(t, 85.0, resp.Score)
	assert.Equal(t, 70.0, resp.Confidence)
	assert.Equal(t, "Momentum intact", resp.Summary)
}

func TestParseFencedBlock(t *testing.T) {
	text := "Here is my analysis:\n```json\n{\"rating\": \"SELL\", \"score\": 20, \"confidence\": 55, \"summary\": \"Breakdown\"}\n```\nLet me know."
	resp := ParseStructuredResponse(text)
	require.NotNil(t, resp)
	assert.Equal(t, "SELL", resp.Rating)
	assert.Equal(t, 20.0, resp.Score)
}

func TestParseInlineObject(t *testing.T) {
	text := `After reviewing the chart I would summarise it as {"rating": "HOLD", "score": 50, "confidence": 40, "summary": "Mixed signals"} based on current data.`
	resp := ParseStructuredResponse(text)
	require.NotNil(t, resp)
	assert.Equal(t, "HOLD", resp.Rating)
}

func TestParseClampsRanges(t *testing.T) {
	text := `{"rating": "BUY", "score": 150, "confidence": -10, "summary": "x"}`
	resp := ParseStructuredResponse(text)
	require.NotNil(t, resp)
	assert.Equal(t, 100.0, resp.Score)
	assert.Equal(t, 0.0, resp.Confidence)
}

func TestParseTruncatesSummary(t *testing.T) {
	long := make([]byte, 1500)
	for i := range long {
		long[i] = 'a'
	}
	text := `{"rating": "BUY", "score": 50, "confidence": 50, "summary": "` + string(long) + `"}`
	resp := ParseStructuredResponse(text)
	require.NotNil(t, resp)
	assert.Len(t, resp.Summary, maxSummaryLen)
}

func TestParseTruncatesSummaryOnRuneBoundary(t *testing.T) {
	// 999 ASCII bytes followed by a two-byte rune straddling the cap.
	long := strings.Repeat("a", maxSummaryLen-1) + "é" + strings.Repeat("b", 200)
	text := `{"rating": "BUY", "score": 50, "confidence": 50, "summary": "` + long + `"}`
	resp := ParseStructuredResponse(text)
	require.NotNil(t, resp)
	assert.True(t, utf8.ValidString(resp.Summary))
	assert.Len(t, resp.Summary, maxSummaryLen-1, "backs up past the split rune")
}

func TestParseRejectsBadRating(t *testing.T) {
	assert.Nil(t, ParseStructuredResponse(`{"rating": "MAYBE", "score": 50}`))
	assert.Nil(t, ParseStructuredResponse("no json here at all"))
	assert.Nil(t, ParseStructuredResponse(""))
}

func TestFactory(t *testing.T) {
	for _, name := range []string{ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderGrok} {
		p, err := NewProvider(name, "key", "")
		require.NoError(t, err, name)
		assert.Equal(t, name, p.Name())
		assert.NotEmpty(t, p.Model(), "default model applied")
	}

	_, err := NewProvider("cohere", "key", "")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
