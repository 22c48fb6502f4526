package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used when no encoding is configured.
// https://cookbook.openai.com/examples/how_to_count_tokens_with_tiktoken
const DefaultEncoding = "cl100k_base"

// Tiktoken is a BPE tokenizer for OpenAI-family vocabularies.
type Tiktoken struct {
	encoding string
	enc      *tiktoken.Tiktoken
}

// NewTiktoken loads encoding. The BPE ranks may be downloaded on first use, so
// this is called once at startup.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("init tiktoken encoding %s: %w", encoding, err)
	}
	return &Tiktoken{encoding: encoding, enc: enc}, nil
}

func (t *Tiktoken) Encode(text string) []int { return t.enc.Encode(text, nil, nil) }

func (t *Tiktoken) Decode(ids []int) string { return t.enc.Decode(ids) }

// Name returns the encoding in use.
func (t *Tiktoken) Name() string { return fmt.Sprintf("tiktoken[%s]", t.encoding) }
