// Package referrers knows the well-known referring hosts and what kind of traffic they send.
package referrers

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Kind of traffic a known host sends.
type Kind string

const (
	KindSearch Kind = "search"
	KindSocial Kind = "social"
	KindEmail  Kind = "email"
	KindOther  Kind = "other"
)

// Source is a known referring host.
type Source struct {
	Name string
	Kind Kind
}

var known = map[string]Source{
	"google.com":     {"Google", KindSearch},
	"google.co.uk":   {"Google", KindSearch},
	"google.de":      {"Google", KindSearch},
	"google.fr":      {"Google", KindSearch},
	"google.es":      {"Google", KindSearch},
	"google.ca":      {"Google", KindSearch},
	"google.com.au":  {"Google", KindSearch},
	"google.co.jp":   {"Google", KindSearch},
	"google.com.br":  {"Google", KindSearch},
	"bing.com":       {"Bing", KindSearch},
	"duckduckgo.com": {"DuckDuckGo", KindSearch},
	"yahoo.com":      {"Yahoo", KindSearch},
	"baidu.com":      {"Baidu", KindSearch},
	"yandex.ru":      {"Yandex", KindSearch},
	"ecosia.org":     {"Ecosia", KindSearch},
	"kagi.com":       {"Kagi", KindSearch},

	"x.com":           {"X/Twitter", KindSocial},
	"twitter.com":     {"X/Twitter", KindSocial},
	"t.co":            {"X/Twitter", KindSocial},
	"facebook.com":    {"Facebook", KindSocial},
	"fb.com":          {"Facebook", KindSocial},
	"instagram.com":   {"Instagram", KindSocial},
	"linkedin.com":    {"LinkedIn", KindSocial},
	"lnkd.in":         {"LinkedIn", KindSocial},
	"tiktok.com":      {"TikTok", KindSocial},
	"pinterest.com":   {"Pinterest", KindSocial},
	"reddit.com":      {"Reddit", KindSocial},
	"threads.net":     {"Threads", KindSocial},
	"bsky.app":        {"Bluesky", KindSocial},
	"mastodon.social": {"Mastodon", KindSocial},
	"youtube.com":     {"YouTube", KindSocial},
	"youtu.be":        {"YouTube", KindSocial},
	"discord.com":     {"Discord", KindSocial},
	"t.me":            {"Telegram", KindSocial},

	"news.ycombinator.com": {"Hacker News", KindSocial},
	"lobste.rs":            {"Lobsters", KindSocial},
	"producthunt.com":      {"Product Hunt", KindSocial},
	"dev.to":               {"DEV Community", KindOther},
	"medium.com":           {"Medium", KindOther},
	"substack.com":         {"Substack", KindOther},
	"github.com":           {"GitHub", KindOther},
	"stackoverflow.com":    {"Stack Overflow", KindOther},

	"mail.google.com":    {"Gmail", KindEmail},
	"outlook.live.com":   {"Outlook", KindEmail},
	"outlook.office.com": {"Outlook", KindEmail},
	"mail.yahoo.com":     {"Yahoo Mail", KindEmail},
	"mail.proton.me":     {"Proton Mail", KindEmail},
}

// Lookup finds a known host, also matching its www. form and subdomains.
func Lookup(hostname string) (Source, bool) {
	host := strings.TrimPrefix(strings.ToLower(hostname), "www.")
	if src, ok := known[host]; ok {
		return src, true
	}
	for domain, src := range known {
		if strings.HasSuffix(host, "."+domain) {
			return src, true
		}
	}
	return Source{}, false
}

// FriendlyName returns a display name for a referring host. Unknown hosts keep
// their name without www. and with the first letter capitalized.
func FriendlyName(hostname string) string {
	if src, ok := Lookup(hostname); ok {
		return src.Name
	}
	return cases.Title(language.Und, cases.NoLower).String(strings.TrimPrefix(strings.ToLower(hostname), "www."))
}
