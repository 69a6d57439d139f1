// Package user_agent classifies user agent strings into browser, OS and device type.
package user_agent

import (
	"fmt"
	"strings"
	"sync"

	"go.elara.ws/pcre"
	"gopkg.in/yaml.v3"
)

// Device types.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceBot     = "bot"
)

type UserAgent struct {
	UserAgent string
	OS        string
	Browser   string
	Device    string
	Mobile    bool
	Tablet    bool
	Desktop   bool
	Bot       bool
}

// Rules are evaluated top to bottom, first match wins.
const rulesYAML = `
bots:
  - {regex: '(?i)googlebot|bingbot|yandexbot|duckduckbot|baiduspider|slurp', name: Search Crawler}
  - {regex: '(?i)facebookexternalhit|twitterbot|linkedinbot|slackbot|discordbot|telegrambot', name: Link Preview}
  - {regex: '(?i)headlesschrome|phantomjs|puppeteer|playwright', name: Headless Browser}
  - {regex: '(?i)curl/|wget/|python-requests|go-http-client|okhttp|axios/', name: HTTP Library}
  - {regex: '(?i)\b(bot|crawler|spider|scraper)\b', name: Generic Bot}
oss:
  - {regex: 'Windows Phone', name: Windows Phone}
  - {regex: 'Windows NT|Win64|Win32', name: Windows}
  - {regex: 'iPad', name: iPadOS}
  - {regex: 'iPhone|iPod', name: iOS}
  - {regex: 'CrOS', name: Chrome OS}
  - {regex: 'Android', name: Android}
  - {regex: 'Mac OS X|Macintosh', name: Mac}
  - {regex: 'Linux', name: GNU/Linux}
browsers:
  - {regex: 'Edg(e|A|iOS)?/', name: Microsoft Edge}
  - {regex: 'OPR/|Opera', name: Opera}
  - {regex: 'SamsungBrowser/', name: Samsung Browser}
  - {regex: 'Firefox/|FxiOS/', name: Firefox}
  - {regex: 'CriOS/', name: Chrome Mobile iOS}
  - {regex: 'Chrome/[\d.]+ Mobile', name: Chrome Mobile}
  - {regex: 'Chrome/', name: Chrome}
  - {regex: 'Version/[\d.]+.*Mobile.*Safari/', name: Mobile Safari}
  - {regex: 'Version/[\d.]+.*Safari/', name: Safari}
devices:
  - {regex: '(?i)ipad|tablet|kindle|silk/|playbook', type: tablet}
  - {regex: 'Android(?!.*Mobile)', type: tablet}
  - {regex: '(?i)mobi|iphone|ipod|android|blackberry|windows phone', type: mobile}
`

type rule struct {
	Regex string `yaml:"regex"`
	Name  string `yaml:"name"`
	Type  string `yaml:"type"`

	re *pcre.Regexp
}

type ruleSet struct {
	Bots     []rule `yaml:"bots"`
	OSs      []rule `yaml:"oss"`
	Browsers []rule `yaml:"browsers"`
	Devices  []rule `yaml:"devices"`
}

var (
	rules     *ruleSet
	rulesErr  error
	rulesOnce sync.Once
)

func loadRules() (*ruleSet, error) {
	rulesOnce.Do(func() {
		var rs ruleSet
		if err := yaml.Unmarshal([]byte(rulesYAML), &rs); err != nil {
			rulesErr = fmt.Errorf("parse user agent rules: %w", err)
			return
		}
		for _, group := range [][]rule{rs.Bots, rs.OSs, rs.Browsers, rs.Devices} {
			for i := range group {
				re, err := pcre.Compile(group[i].Regex)
				if err != nil {
					rulesErr = fmt.Errorf("compile user agent rule %q: %w", group[i].Regex, err)
					return
				}
				group[i].re = re
			}
		}
		rules = &rs
	})
	return rules, rulesErr
}

func firstMatch(group []rule, ua string) (rule, bool) {
	for _, r := range group {
		if r.re.MatchString(ua) {
			return r, true
		}
	}
	return rule{}, false
}

// ParseUserAgent classifies ua. Unknown parts are reported as "Unknown" and
// devices default to desktop.
func ParseUserAgent(ua string) UserAgent {
	result := UserAgent{UserAgent: ua, OS: "Unknown", Browser: "Unknown", Device: DeviceDesktop, Desktop: true}
	rs, err := loadRules()
	if err != nil || strings.TrimSpace(ua) == "" {
		return result
	}

	if bot, ok := firstMatch(rs.Bots, ua); ok {
		return UserAgent{UserAgent: ua, OS: "Unknown", Browser: bot.Name, Device: DeviceBot, Bot: true}
	}
	if os, ok := firstMatch(rs.OSs, ua); ok {
		result.OS = os.Name
	}
	if browser, ok := firstMatch(rs.Browsers, ua); ok {
		result.Browser = browser.Name
	}
	if device, ok := firstMatch(rs.Devices, ua); ok {
		result.Device = device.Type
		result.Desktop = false
		result.Mobile = device.Type == DeviceMobile
		result.Tablet = device.Type == DeviceTablet
	}
	return result
}
