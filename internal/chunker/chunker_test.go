package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitShortTextReturnsSingleChunk(t *testing.T) {
	chunks := Split("hello world. this is short.", 1000)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello world. this is short.", chunks[0])
}

func TestSplitEmptyTextReturnsOneEmptyChunk(t *testing.T) {
	chunks := Split("", 100)
	require.Len(t, chunks, 1)
	assert.Equal(t, "", chunks[0])
}

func TestSplitDeterministic(t *testing.T) {
	text := strings.Repeat("one two three four five. ", 20)
	a := Split(text, 10)
	b := Split(text, 10)
	assert.Equal(t, a, b)
}

func TestSplitFlushesAtSentenceEndAfterThreshold(t *testing.T) {
	// 每句 5 个词，阈值 10：应在第 2、4 句末尾各刷出一个分块，剩余 1 句为尾块
	text := "a b c d e. f g h i j. k l m n o. p q r s t. u v w x y."
	chunks := Split(text, 10)
	require.Len(t, chunks, 3)
	assert.Equal(t, "a b c d e f g h i j", chunks[0])
	assert.Equal(t, "k l m n o p q r s t", chunks[1])
	assert.Equal(t, "u v w x y", chunks[2])
}

func TestSplitReconstructsTranscriptWords(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta epsilon. ", 40)
	chunks := Split(text, 7)
	joined := strings.Join(chunks, " ")
	// 分块按空白连接后应当还原原文的全部词（句号在切句时被吃掉）
	assert.Equal(t, strings.Fields(strings.ReplaceAll(text, ".", " ")), strings.Fields(joined))
	for _, c := range chunks {
		assert.NotEmpty(t, c)
	}
}

func TestSplitUnterminatedLongSentenceEmitsOneOversizedChunk(t *testing.T) {
	// 2500 个字符、没有任何句号：字符长度超过阈值走切分路径，
	// 但只有一个句子且刷出条件只在句末触发，因此只产出 1 个分块
	words := make([]string, 0, 500)
	for len(strings.Join(words, " ")) < 2500 {
		words = append(words, "word")
	}
	text := strings.Join(words, " ")
	require.Greater(t, len(text), 1000)

	chunks := Split(text, 1000)
	require.Len(t, chunks, 1)
	assert.Equal(t, strings.Fields(text), strings.Fields(chunks[0]))
}

func TestSplitThresholdBelowSentenceLength(t *testing.T) {
	// 阈值小于句长时每个句末都会刷出一次
	text := "a b c. d e f. g h i."
	chunks := Split(text, 2)
	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"a b c", "d e f", "g h i"}, chunks)
}
