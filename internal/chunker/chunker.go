// Package chunker 负责把长转写文本切分为受阈值约束的分块。
package chunker

import "strings"

// Split 将转写文本切分为有序的分块序列。
//
// 短路判断：当文本长度（字符数）不超过 thresholdWords 时整体作为单个分块返回。
// 注意这里沿用了线上版本的行为：阈值名义上以「词」为单位，但短路比较用的是
// 字符长度，两个单位并不一致，修正它会改变既有分块边界，因此保持原样。
//
// 其余情况：按 '.' 切分句子（空句丢弃），句内按空白切词（空词丢弃），累计词数
// 达到阈值且当前词恰好是所在句子的最后一个词时，把累计的词以单空格连接后刷出
// 为一个分块并清零计数；全部句子处理完后把剩余的词刷出为最后一个分块。
// 因此一条没有句号的超长句只会在末尾产出一个超限分块，这是预期行为。
func Split(text string, thresholdWords int) []string {
	if len(text) <= thresholdWords {
		return []string{text}
	}

	sentences := make([]string, 0)
	for _, s := range strings.Split(text, ".") {
		if strings.TrimSpace(s) == "" {
			continue
		}
		sentences = append(sentences, s)
	}

	var chunks []string
	var current []string
	count := 0
	for _, sentence := range sentences {
		words := strings.Fields(sentence)
		for i, word := range words {
			current = append(current, word)
			count++
			if count >= thresholdWords && i == len(words)-1 {
				chunks = append(chunks, strings.Join(current, " "))
				current = current[:0]
				count = 0
			}
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}
