package pause

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Command is a pause control instruction sent by the tenant owner.
type Command int

const (
	CmdNone Command = iota
	CmdPauseThis
	CmdResumeThis
	CmdPauseAll
	CmdResumeAll
	CmdStatus
)

var commandNames = map[Command]string{
	CmdNone:       "none",
	CmdPauseThis:  "pause_this",
	CmdResumeThis: "resume_this",
	CmdPauseAll:   "pause_all",
	CmdResumeAll:  "resume_all",
	CmdStatus:     "status",
}

func (c Command) String() string {
	return commandNames[c]
}

var keywords = map[string]Command{
	"pausar":         CmdPauseThis,
	"reactivar":      CmdResumeThis,
	"pausar todo":    CmdPauseAll,
	"activar todo":   CmdResumeAll,
	"reactivar todo": CmdResumeAll,
	"estado":         CmdStatus,
}

// ParseCommand matches the whole message against the command keywords,
// ignoring case, accents and repeated whitespace.
func ParseCommand(text string) Command {
	if cmd, ok := keywords[normalize(text)]; ok {
		return cmd
	}
	return CmdNone
}

func normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}
