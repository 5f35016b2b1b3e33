package router

import (
	"slices"
	"strings"
	"unicode"

	kit "calbot/internal/transport"
)

const (
	maxMenuCommands = 100
	maxMenuName     = 32
	maxMenuDesc     = 256
	lockPrefix      = "🔒 "
)

// sanitizeTelegramCommand maps a route or alias onto Telegram's command
// alphabet [a-z0-9_]{1,32}. Separators collapse to one underscore; anything
// else is dropped. A leading digit gets a "cmd_" prefix.
func sanitizeTelegramCommand(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		case r == '_', r == '-', r == '/', unicode.IsSpace(r):
			pendingSep = true
		}
	}
	out := b.String()
	if out == "" {
		return ""
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > maxMenuName {
		out = strings.TrimRight(out[:maxMenuName], "_")
	}
	return out
}

// telegramCommandNameFromRoute joins a route into one menu name:
//
//	["cal","create"] -> "cal_create"
func telegramCommandNameFromRoute(route []string) (string, bool) {
	out := sanitizeTelegramCommand(strings.Join(route, "_"))
	return out, out != ""
}

type menuEntry struct {
	cmd  string
	desc string
	// top-level groups sort before leaf shortcuts
	leaf bool
}

// buildTelegramMenuCommands lists top-level groups first, then one
// shortcut per multi-token leaf (/cal_create). Owner-only entries are
// marked with a lock.
func buildTelegramMenuCommands(root *cmdNode, leafCmds []Command) []kit.BotCommand {
	byCmd := map[string]menuEntry{}
	add := func(e menuEntry) {
		e.cmd = sanitizeTelegramCommand(e.cmd)
		if e.cmd == "" {
			return
		}
		e.desc = strings.ReplaceAll(strings.TrimSpace(e.desc), "\n", " ")
		if e.desc == "" {
			e.desc = e.cmd
		}
		if len(e.desc) > maxMenuDesc {
			e.desc = e.desc[:maxMenuDesc]
		}
		if cur, ok := byCmd[e.cmd]; ok && (cur.leaf == e.leaf && len(cur.desc) <= len(e.desc) || !cur.leaf && e.leaf) {
			return
		}
		byCmd[e.cmd] = e
	}

	if root != nil {
		for _, name := range root.childNames() {
			n, _ := root.child(name)
			if n == nil {
				continue
			}
			desc := summarizeNodeDesc(n)
			if nodeIsOwnerOnly(n) {
				desc = lockPrefix + desc
			}
			add(menuEntry{cmd: name, desc: desc})
		}
	}
	for _, c := range leafCmds {
		route := splitRoute(c.Route)
		if len(route) < 2 {
			continue
		}
		name, ok := telegramCommandNameFromRoute(route)
		if !ok {
			continue
		}
		desc := c.Description
		if strings.TrimSpace(desc) == "" {
			desc = strings.Join(route, " ")
		}
		if c.Access == AccessOwnerOnly {
			desc = lockPrefix + desc
		}
		add(menuEntry{cmd: name, desc: desc, leaf: true})
	}

	entries := make([]menuEntry, 0, len(byCmd))
	for _, e := range byCmd {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b menuEntry) int {
		if a.leaf != b.leaf {
			if a.leaf {
				return 1
			}
			return -1
		}
		return strings.Compare(a.cmd, b.cmd)
	})
	if len(entries) > maxMenuCommands {
		entries = entries[:maxMenuCommands]
	}

	out := make([]kit.BotCommand, 0, len(entries))
	for _, e := range entries {
		out = append(out, kit.BotCommand{Command: e.cmd, Description: e.desc})
	}
	return out
}
