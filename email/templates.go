package email

import (
	"fmt"
	"net/url"
	"strings"

	"pagewatch/pkg/watch"
)

const styles = `<style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }
.header { border-bottom: 2px solid #e67e22; padding-bottom: 10px; margin-bottom: 20px; }
.content { margin: 15px 0; }
table.changes { border-collapse: collapse; width: 100%; }
table.changes th, table.changes td { text-align: left; padding: 6px 10px; border-bottom: 1px solid #ecf0f1; vertical-align: top; }
.selector { font-family: ui-monospace, Menlo, monospace; color: #7f8c8d; }
.old { color: #c0392b; text-decoration: line-through; }
.new { color: #27ae60; font-weight: 600; }
.error { background: #f8f9fa; padding: 12px; border-radius: 8px; font-family: ui-monospace, Menlo, monospace; white-space: pre-wrap; }
.footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }
a { color: #e67e22; text-decoration: none; }
a:hover { text-decoration: underline; }
@media (prefers-color-scheme: dark) {
body { background: #1a1a1a; color: #e0e0e0; }
.header { border-bottom-color: #ff8c42; }
.error { background: #2a2a2a; }
.footer { border-top-color: #444; color: #a0a0a0; }
a { color: #ff8c42; }
}
</style>
`

// subject returns the email subject for an event. The page host keeps
// notifications for different sites apart in the inbox.
func subject(ev *watch.Event) string {
	host := ev.URL
	if u, err := url.Parse(ev.URL); err == nil && u.Host != "" {
		host = u.Host
	}

	switch ev.Kind {
	case watch.ReasonChangeDetected:
		return "Element text changed on " + host
	case watch.ReasonElementMissing:
		return "Element disappeared on " + host
	case watch.ReasonFetchError:
		return "Error monitoring " + host
	case watch.ReasonExpired:
		return "Monitoring of " + host + " stopped: 12-hour time limit reached"
	case watch.ReasonUserStopped:
		return "Monitoring of " + host + " stopped"
	case watch.ReasonShutdown:
		return "Monitoring of " + host + " interrupted"
	default:
		return "Monitoring update for " + host
	}
}

func formatEventBody(ev *watch.Event) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString(styles)
	b.WriteString("</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", escapeHTML(headline(ev.Kind))))
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"content\">\n")
	switch ev.Kind {
	case watch.ReasonChangeDetected:
		b.WriteString("<table class=\"changes\">\n<tr><th>Element</th><th>Before</th><th>Now</th></tr>\n")
		for _, c := range ev.Changes {
			b.WriteString(fmt.Sprintf("<tr><td class=\"selector\">%s</td><td class=\"old\">%s</td><td class=\"new\">%s</td></tr>\n",
				escapeHTML(c.Selector), escapeHTML(c.Old), escapeHTML(c.New)))
		}
		b.WriteString("</table>\n")
	case watch.ReasonElementMissing:
		b.WriteString("<p>These elements are no longer on the page:</p>\n<ul>\n")
		for _, sel := range ev.Missing {
			b.WriteString(fmt.Sprintf("<li class=\"selector\">%s</li>\n", escapeHTML(sel)))
		}
		b.WriteString("</ul>\n")
	case watch.ReasonFetchError:
		b.WriteString("<p>The page could not be checked, so monitoring has stopped.</p>\n")
		if ev.Error != "" {
			b.WriteString(fmt.Sprintf("<div class=\"error\">%s</div>\n", escapeHTML(ev.Error)))
		}
	case watch.ReasonExpired:
		b.WriteString("<p>Sessions run for at most 12 hours. Start a new one to keep watching this page.</p>\n")
	case watch.ReasonUserStopped:
		b.WriteString("<p>Monitoring stopped at your request.</p>\n")
	case watch.ReasonShutdown:
		b.WriteString("<p>The monitoring service restarted and could not resume this session. Start a new one to keep watching this page.</p>\n")
		if ev.Error != "" {
			b.WriteString(fmt.Sprintf("<div class=\"error\">%s</div>\n", escapeHTML(ev.Error)))
		}
	}
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"footer\">\n")
	if isSafeURL(ev.URL) {
		b.WriteString(fmt.Sprintf("<a href=\"%s\">Check the page</a>\n", escapeHTML(ev.URL)))
	} else {
		b.WriteString(fmt.Sprintf("<span>%s</span>\n", escapeHTML(ev.URL)))
	}
	if !ev.At.IsZero() {
		b.WriteString(fmt.Sprintf(" &bull; %s UTC\n", ev.At.UTC().Format("Jan 2, 2006 at 3:04 PM")))
	}
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")
	return b.String()
}

func headline(kind watch.Reason) string {
	switch kind {
	case watch.ReasonChangeDetected:
		return "Element text changed!"
	case watch.ReasonElementMissing:
		return "Element disappeared!"
	case watch.ReasonFetchError:
		return "Error monitoring page"
	case watch.ReasonExpired:
		return "Monitoring stopped: 12-hour time limit reached."
	case watch.ReasonUserStopped:
		return "Monitoring stopped."
	case watch.ReasonShutdown:
		return "Monitoring interrupted"
	default:
		return "Monitoring update"
	}
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// isSafeURL allows only absolute http(s) links into email bodies.
func isSafeURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
