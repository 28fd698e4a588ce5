package ai

import (
	"sync"
	"unicode/utf8"

	"novel-engine/shared/interfaces"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

const defaultEncoding = "cl100k_base"

// ApproxCounter оценивает количество токенов как ~4 байта на токен.
type ApproxCounter struct{}

func (ApproxCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	// CJK text is closer to one token per rune.
	if runes := utf8.RuneCountInString(text); runes*2 < len(text) {
		return runes
	}
	return (len(text) + 3) / 4
}

// TiktokenCounter считает токены через tiktoken; кодировка загружается лениво
// и при ошибке (например, нет сети для загрузки BPE) используется ApproxCounter.
type TiktokenCounter struct {
	encoding string
	logger   *zap.Logger

	once     sync.Once
	enc      *tiktoken.Tiktoken
	fallback ApproxCounter
}

// NewTiktokenCounter creates a counter for the given encoding ("" means cl100k_base).
func NewTiktokenCounter(encoding string, logger *zap.Logger) *TiktokenCounter {
	if encoding == "" {
		encoding = defaultEncoding
	}
	return &TiktokenCounter{encoding: encoding, logger: logger.Named("TokenCounter")}
}

func (c *TiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			c.logger.Warn("tiktoken encoding unavailable, using approximate token counts",
				zap.String("encoding", c.encoding), zap.Error(err))
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return c.fallback.Count(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

var (
	_ interfaces.TokenCounter = ApproxCounter{}
	_ interfaces.TokenCounter = (*TiktokenCounter)(nil)
)
