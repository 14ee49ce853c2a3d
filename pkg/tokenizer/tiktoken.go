package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
)

const encodingName = "cl100k_base"

var loaderOnce sync.Once

// TiktokenTokenizer gives an accurate token count for OpenAI-compatible
// models using the cl100k_base encoding, loaded from the offline BPE data
// bundled by tiktoken-go-loader (no network call at request time).
type TiktokenTokenizer struct{}

func (t *TiktokenTokenizer) CalculateTokenNum(prompt string) (int, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
	})
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return 0, err
	}
	return len(encoding.Encode(prompt, nil, nil)), nil
}
