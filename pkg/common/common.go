package common

import (
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/labstack/gommon/random"
)

const (
	ENABLED  = "enabled"
	DISABLED = "disabled"
)

var (
	idNode     *snowflake.Node
	idNodeOnce sync.Once
)

// SetNodeID configures the snowflake node used by UUIDint64. It only has an
// effect before the first id is generated.
func SetNodeID(id int64) {
	idNodeOnce.Do(func() {
		node, err := snowflake.NewNode(id % 1024)
		if err != nil {
			node, _ = snowflake.NewNode(1)
		}
		idNode = node
	})
}

// UUIDint64 returns a time ordered unique int64 id.
func UUIDint64() int64 {
	SetNodeID(1)
	return idNode.Generate().Int64()
}

// ShortToken returns the 8 char public token used in tenant landing urls.
func ShortToken() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return strings.ToLower(random.String(8, random.Lowercase, random.Numeric))
	}
	return id.String()[:8]
}

// RandomSecret returns a random alphanumeric string of length n.
func RandomSecret(n uint8) string {
	return random.String(n, random.Alphanumeric)
}

// NormalizePhone strips whatsapp jid suffixes and a leading plus sign so
// counterparties compare equal regardless of the transport format.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	for _, suffix := range []string{"@c.us", "@s.whatsapp.net", "@lid"} {
		s = strings.TrimSuffix(s, suffix)
	}
	if i := strings.Index(s, ":"); i > 0 {
		s = s[:i]
	}
	return strings.TrimPrefix(s, "+")
}

func IsEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}

// MaskSecret keeps the first and last 4 chars of a secret.
func MaskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
