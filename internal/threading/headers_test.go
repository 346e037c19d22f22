package threading

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeMessageID(t *testing.T) {
	assert.Equal(t, "a@x", NormalizeMessageID("  <a@x> "))
	assert.Equal(t, "a@x", NormalizeMessageID("a@x"))
	assert.Equal(t, "", NormalizeMessageID("<>"))
	assert.Equal(t, "", NormalizeMessageID("   "))
}

func TestParseReferences(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   []string
	}{
		{"folded", "<root@x>\r\n <a@x>\t<b@x>", []string{"root@x", "a@x", "b@x"}},
		{"no separators", "<root@x><a@x>", []string{"root@x", "a@x"}},
		{"bare ids", "root@x a@x", []string{"root@x", "a@x"}},
		{"duplicates dropped", "<a@x> <a@x> <b@x>", []string{"a@x", "b@x"}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseReferences(tt.header))
		})
	}
}

func TestNormalizeSubject(t *testing.T) {
	tests := map[string]string{
		"Re: Invoice #12":          "invoice #12",
		"RE: Fwd: re:Invoice #12":  "invoice #12",
		"Fw: Report":               "report",
		"Re : Report":              "re : report",
		"  Quarterly Numbers  ":    "quarterly numbers",
		"Re:":                      "",
		"Regarding the invoice":    "regarding the invoice",
		"Invoice Re: attached":     "invoice re: attached",
	}

	for in, want := range tests {
		assert.Equal(t, want, NormalizeSubject(in), in)
	}
}

func TestHasReplyPrefix(t *testing.T) {
	assert.True(t, HasReplyPrefix("Re: hello"))
	assert.True(t, HasReplyPrefix("RE:hello"))
	assert.False(t, HasReplyPrefix("Fwd: hello"))
}
