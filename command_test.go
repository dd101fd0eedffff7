package subctl_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armatrix/subctl"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		text string
		want subctl.Command
	}{
		{
			name: "bare subagents lists",
			text: "/subagents",
			want: subctl.Command{Verb: subctl.VerbList},
		},
		{
			name: "list alias",
			text: "/subagents ls",
			want: subctl.Command{Verb: subctl.VerbList, Args: []string{}},
		},
		{
			name: "kill alias",
			text: "/subagents kill 2",
			want: subctl.Command{Verb: subctl.VerbStop, Target: "2", Args: []string{}},
		},
		{
			name: "bare kill",
			text: "/kill all",
			want: subctl.Command{Verb: subctl.VerbStop, Target: "all", Args: []string{}},
		},
		{
			name: "log with args",
			text: "/subagents log scout 50 tools",
			want: subctl.Command{Verb: subctl.VerbLog, Target: "scout", Args: []string{"50", "tools"}, Message: "50 tools"},
		},
		{
			name: "send keeps inner whitespace",
			text: "/subagents send 1 look at   main.go\nthen stop",
			want: subctl.Command{
				Verb:    subctl.VerbSend,
				Target:  "1",
				Args:    []string{"look", "at", "main.go", "then", "stop"},
				Message: "look at   main.go\nthen stop",
			},
		},
		{
			name: "bare steer",
			text: "  /steer last focus on tests  ",
			want: subctl.Command{Verb: subctl.VerbSteer, Target: "last", Args: []string{"focus", "on", "tests"}, Message: "focus on tests"},
		},
		{
			name: "singular prefix and case",
			text: "/Subagent INFO 3",
			want: subctl.Command{Verb: subctl.VerbInfo, Target: "3", Args: []string{}},
		},
		{
			name: "unknown verb is help",
			text: "/subagents frobnicate x",
			want: subctl.Command{Verb: subctl.VerbHelp},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := subctl.ParseCommand(tt.text)
			require.True(t, ok)
			assert.Equal(t, tt.want.Verb, got.Verb)
			assert.Equal(t, tt.want.Target, got.Target)
			assert.Equal(t, tt.want.Message, got.Message)
			assert.ElementsMatch(t, tt.want.Args, got.Args)
		})
	}
}

func TestParseCommand_NotACommand(t *testing.T) {
	for _, text := range []string{"", "hello", "/status", "/subagentsx list", "kill 1"} {
		_, ok := subctl.ParseCommand(text)
		assert.False(t, ok, text)
	}
}

func TestCaller_Subject(t *testing.T) {
	c := subctl.Caller{Channel: "slack", SenderID: "U123"}
	assert.Equal(t, "slack:U123", c.Subject())
}
