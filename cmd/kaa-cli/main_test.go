package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/kaa-endpoint/helpers"
)

func TestParseLine(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		expect    string
		expectErr string
	}
	cases := []Case{
		{"empty", "  ", "", ""},
		{"ping", "ping", "c000", ""},
		{"raw", "@0102 s0 @03", "010203", ""},
		{"loop", "ping loop=3", "c000c000c000", ""},
		{"disconnect", "disconnect", "e0020000", ""},
		{"sync-message-id", "sync=aa sync=bb", "f00d" + "00064b6161746370" + "01" + "0001" + "04" + "aa" + "f00d" + "00064b6161746370" + "01" + "0002" + "04" + "bb", ""},
		{"error-hex", "@zz", "", "word=@zz"},
		{"error-unknown", "hello", "", "invalid command: 'hello'"},
		{"error-loop-twice", "loop=1 loop=2", "", "multiple loop"},
		{"error-sleep", "sx", "", "word=sx"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			s := &session{keepalive: 60}
			actions, err := s.parseLine(c.input)
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			require.NoError(t, err)
			var buf bytes.Buffer
			for _, a := range actions {
				require.NoError(t, a(&buf))
			}
			assert.Equal(t, helpers.MustHex(c.expect), buf.Bytes())
		})
	}
}
