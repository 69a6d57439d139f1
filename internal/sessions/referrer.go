package sessions

import (
	"net/url"
	"strings"

	"siteline/internal/pkg/referrers"
	"siteline/internal/sites"
)

// Referrer types, fixed at session start.
const (
	ReferrerDirect   = "direct"
	ReferrerInternal = "internal"
	ReferrerSearch   = "search"
	ReferrerSocial   = "social"
	ReferrerReferral = "referral"
)

// UTM holds campaign parameters.
type UTM struct {
	Source   string
	Medium   string
	Campaign string
	Term     string
	Content  string
}

// Referrer is the classification of where a session came from.
type Referrer struct {
	Type string
	Host string
	Name string
}

var mediumTypes = map[string]string{
	"cpc":         ReferrerSearch,
	"ppc":         ReferrerSearch,
	"paid":        ReferrerSearch,
	"paidsearch":  ReferrerSearch,
	"organic":     ReferrerSearch,
	"social":      ReferrerSocial,
	"paid_social": ReferrerSocial,
	"paidsocial":  ReferrerSocial,
	"sm":          ReferrerSocial,
	"email":       ReferrerReferral,
	"newsletter":  ReferrerReferral,
	"affiliate":   ReferrerReferral,
}

// ClassifyReferrer derives the referrer type from the referrer URL and UTM
// parameters. An explicit utm_medium overrides what the host suggests.
func ClassifyReferrer(referrerURL, siteDomain string, utm UTM) Referrer {
	host := referrerHost(referrerURL)
	ref := Referrer{Host: host}

	if host != "" && sites.BaseDomainForHost(host) == sites.BaseDomainForHost(siteDomain) && utm.Source == "" {
		ref.Type = ReferrerInternal
		return ref
	}

	if kind, ok := mediumTypes[strings.ToLower(utm.Medium)]; ok {
		ref.Type = kind
		ref.Name = displayName(utm.Source, host)
		return ref
	}

	if host == "" {
		if utm.Source != "" {
			ref.Type = ReferrerReferral
			ref.Name = displayName(utm.Source, "")
			if src, ok := referrers.Lookup(utm.Source); ok {
				ref.Type = typeForKind(src.Kind)
			}
			return ref
		}
		ref.Type = ReferrerDirect
		return ref
	}

	ref.Name = referrers.FriendlyName(host)
	ref.Type = ReferrerReferral
	if src, ok := referrers.Lookup(host); ok {
		ref.Type = typeForKind(src.Kind)
	}
	return ref
}

func typeForKind(kind referrers.Kind) string {
	switch kind {
	case referrers.KindSearch:
		return ReferrerSearch
	case referrers.KindSocial:
		return ReferrerSocial
	default:
		return ReferrerReferral
	}
}

func displayName(source, host string) string {
	if source != "" {
		return referrers.FriendlyName(source)
	}
	if host != "" {
		return referrers.FriendlyName(host)
	}
	return ""
}

func referrerHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
