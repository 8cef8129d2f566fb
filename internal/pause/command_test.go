package pause

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want Command
	}{
		{"pausar", CmdPauseThis},
		{"  PAUSAR ", CmdPauseThis},
		{"Reactivar", CmdResumeThis},
		{"pausar   todo", CmdPauseAll},
		{"Activar Todo", CmdResumeAll},
		{"reactivar todo", CmdResumeAll},
		{"ESTADO", CmdStatus},
		{"estádo", CmdStatus},
		{"pausar por favor", CmdNone},
		{"hola", CmdNone},
		{"", CmdNone},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCommand(tt.in))
		})
	}
}
