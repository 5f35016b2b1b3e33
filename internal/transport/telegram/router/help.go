package router

import (
	"slices"
	"sort"
	"strings"

	"calbot/pkg/tgui"
)

// helpText renders help for path (empty = top level) in HTML parse mode.
func (m *CommandManager) helpText(path []string) string {
	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		return helpTop(root)
	}
	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		p = strings.TrimPrefix(p, "/")
		n, ok := cur.child(p)
		if !ok {
			if leaf, ok := alias[p]; ok && leaf.cmd != nil {
				cur = leaf
				full = splitRoute(leaf.cmd.Route)
				break
			}
			return "❓ " + string(tgui.B("Unknown command")) + "\nSend " + string(tgui.Code("/help")) + " for the list."
		}
		cur = n
		full = append(full, p)
	}
	return helpNode(cur, full)
}

func helpTop(root *cmdNode) string {
	type row struct {
		name, desc string
		lock       bool
	}
	var rows []row
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		rows = append(rows, row{name: name, desc: summarizeNodeDesc(n), lock: nodeIsOwnerOnly(n)})
	}
	// Owner-only commands go last.
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].lock != rows[j].lock {
			return !rows[i].lock
		}
		return rows[i].name < rows[j].name
	})

	lines := []string{
		"📚 " + string(tgui.B("Commands")),
		"Send " + string(tgui.Code("/help <cmd>")) + " for details.",
		"",
	}
	for _, r := range rows {
		lines = append(lines, bullet(r.lock)+string(tgui.Code("/"+r.name))+descSuffix(r.desc))
	}
	return strings.Join(filterEmpty(lines), "\n")
}

func helpNode(cur *cmdNode, full []string) string {
	lines := []string{"📚 " + string(tgui.B("Help")) + " " + string(tgui.Code("/"+strings.Join(full, " ")))}

	if c := cur.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, string(tgui.Esc(d)))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "🔒 "+string(tgui.I("owner only")))
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "", string(tgui.B("Usage")), string(tgui.Code(u)))
		}
		if short := buildShortcuts(*c); len(short) > 0 {
			lines = append(lines, "", string(tgui.B("Shortcuts")))
			for _, s := range short {
				lines = append(lines, "• "+string(tgui.Code("/"+s)))
			}
		}
	} else {
		lines = append(lines, "Command group.")
		if nodeIsOwnerOnly(cur) {
			lines = append(lines, "🔒 "+string(tgui.I("owner only")))
		}
	}

	if len(cur.children) > 0 {
		lines = append(lines, "", string(tgui.B("Subcommands")))
		for _, name := range cur.childNames() {
			n, _ := cur.child(name)
			cmd := "/" + strings.Join(append(slices.Clone(full), name), " ")
			lines = append(lines, bullet(nodeIsOwnerOnly(n))+string(tgui.Code(cmd))+descSuffix(summarizeNodeDesc(n)))
		}
	}
	return strings.Join(filterEmpty(lines), "\n")
}

func bullet(lock bool) string {
	if lock {
		return "• 🔒 "
	}
	return "• "
}

func descSuffix(desc string) string {
	if desc == "" {
		return ""
	}
	return ": " + string(tgui.Esc(desc))
}

func summarizeNodeDesc(n *cmdNode) string {
	if n == nil {
		return ""
	}
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	kids := n.childNames()
	if len(kids) == 0 {
		return ""
	}
	k := min(len(kids), 3)
	s := strings.Join(kids[:k], ", ")
	if len(kids) > k {
		s += ", …"
	}
	return "subcommands: " + s
}

// nodeIsOwnerOnly treats a group as owner-only when none of its leaves is
// open to everyone.
func nodeIsOwnerOnly(n *cmdNode) bool {
	if n == nil {
		return false
	}
	if n.cmd != nil {
		return n.cmd.Access == AccessOwnerOnly
	}
	for _, ch := range n.children {
		if !nodeIsOwnerOnly(ch) {
			return false
		}
	}
	return true
}

func buildShortcuts(c Command) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if menu, ok := telegramCommandNameFromRoute(splitRoute(c.Route)); ok {
		add(menu)
	}
	for _, a := range c.Aliases {
		a = strings.TrimSpace(a)
		if a == "" || strings.Contains(a, " ") {
			continue
		}
		add(a)
		add(sanitizeTelegramCommand(a))
	}
	sort.Strings(out)
	return out
}

func filterEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for i, s := range in {
		// Keep single blank separators, drop leading/trailing and doubled ones.
		if strings.TrimSpace(s) == "" {
			if i == 0 || i == len(in)-1 || len(out) == 0 || out[len(out)-1] == "" {
				continue
			}
			s = ""
		}
		out = append(out, s)
	}
	return out
}
