package tokenizer

import "testing"

func TestSimpleEstimateTokenizer(t *testing.T) {
	tok := NewSimpleEstimateTokenizer()

	n, err := tok.CalculateTokenNum("")
	if err != nil || n != 0 {
		t.Fatalf("empty prompt: got (%d, %v), want (0, nil)", n, err)
	}

	n, err = tok.CalculateTokenNum("12345678") // 8 chars / 4 = 2
	if err != nil || n != 2 {
		t.Fatalf("got (%d, %v), want (2, nil)", n, err)
	}

	n, err = tok.CalculateTokenNum("123") // ceil(3/4) = 1
	if err != nil || n != 1 {
		t.Fatalf("got (%d, %v), want (1, nil)", n, err)
	}
}

func TestStringsTokenizer(t *testing.T) {
	tok := &StringsTokenizer{}
	n, err := tok.CalculateTokenNum("the quick brown fox")
	if err != nil || n != 4 {
		t.Fatalf("got (%d, %v), want (4, nil)", n, err)
	}
}
