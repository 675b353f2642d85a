package router

import (
	"html"
	"strings"
)

// helpText renders Telegram-friendly help in HTML parse mode.
func (r *Router) helpText(args []string) string {
	if len(args) > 0 {
		word := strings.ToLower(strings.TrimPrefix(args[0], "/"))
		c, ok := r.lookup(word)
		if !ok {
			return "❓ <b>Unknown command</b>\nType <code>/help</code> to list commands."
		}
		lines := []string{"<b>/" + html.EscapeString(c.Name) + "</b>"}
		if c.Description != "" {
			lines = append(lines, html.EscapeString(c.Description))
		}
		if c.Usage != "" {
			lines = append(lines, "", "Usage: <code>"+html.EscapeString(c.Usage)+"</code>")
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, "Aliases: "+html.EscapeString("/"+strings.Join(c.Aliases, ", /")))
		}
		return strings.Join(lines, "\n")
	}

	r.mu.RLock()
	order := append([]Command(nil), r.order...)
	r.mu.RUnlock()

	lines := []string{
		"📚 <b>Commands</b>",
		"Type <code>/help &lt;command&gt;</code> for details.",
		"",
	}
	for _, c := range order {
		line := "/" + html.EscapeString(c.Name)
		if c.Description != "" {
			line += " - " + html.EscapeString(c.Description)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
