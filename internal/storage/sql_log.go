package storage

import (
	"fmt"
	"strings"
	"time"
)

// formatSQL inlines positional arguments into query for debug logs. The
// result is never executed.
func formatSQL(query string, args ...any) string {
	if len(args) == 0 {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + len(args)*8)
	next := 0
	for _, ch := range query {
		if ch == '?' && next < len(args) {
			b.WriteString(formatSQLArg(args[next]))
			next++
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func formatSQLArg(arg any) string {
	quote := func(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }
	switch v := arg.(type) {
	case nil:
		return "NULL"
	case string:
		return quote(v)
	case time.Time:
		return quote(v.UTC().Format(timestampLayout))
	case fmt.Stringer:
		return quote(v.String())
	default:
		return fmt.Sprintf("%v", v)
	}
}
