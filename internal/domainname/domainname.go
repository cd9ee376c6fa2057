// Package domainname reduces free-form domains, URLs and email addresses to
// the registrable root domain used as the attribution key.
package domainname

import (
	"strings"
)

// compoundSuffixes are two-label public suffixes under which the registrable
// domain keeps three labels (acme.co.uk, not co.uk).
var compoundSuffixes = map[string]struct{}{
	"co.uk": {}, "org.uk": {}, "ac.uk": {}, "gov.uk": {}, "me.uk": {}, "ltd.uk": {}, "plc.uk": {},
	"com.au": {}, "net.au": {}, "org.au": {}, "edu.au": {}, "gov.au": {},
	"co.nz": {}, "org.nz": {}, "net.nz": {},
	"co.jp": {}, "ne.jp": {}, "or.jp": {},
	"co.za": {}, "org.za": {},
	"co.in": {}, "net.in": {}, "org.in": {},
	"co.kr": {}, "or.kr": {},
	"co.id": {}, "or.id": {}, "web.id": {},
	"com.br": {}, "net.br": {}, "org.br": {},
	"com.mx": {}, "com.ar": {}, "com.co": {}, "com.pe": {},
	"com.cn": {}, "net.cn": {}, "org.cn": {},
	"com.hk": {}, "com.sg": {}, "com.my": {}, "com.ph": {}, "com.tw": {},
	"com.tr": {}, "com.ua": {}, "com.pl": {}, "co.il": {}, "co.th": {},
}

// personalProviders are webmail domains that identify a person, not a company.
var personalProviders = map[string]struct{}{
	"gmail.com": {}, "googlemail.com": {},
	"yahoo.com": {}, "yahoo.co.uk": {}, "ymail.com": {},
	"hotmail.com": {}, "hotmail.co.uk": {}, "outlook.com": {}, "live.com": {}, "msn.com": {},
	"icloud.com": {}, "me.com": {}, "mac.com": {},
	"aol.com": {}, "protonmail.com": {}, "proton.me": {},
	"gmx.com": {}, "gmx.de": {}, "web.de": {},
	"mail.com": {}, "zoho.com": {}, "yandex.com": {}, "yandex.ru": {},
	"fastmail.com": {}, "hey.com": {}, "tutanota.com": {},
	"qq.com": {}, "163.com": {}, "126.com": {},
}

// Canonicalize returns the lowercase registrable domain for raw, or "" when
// nothing usable remains. Canonicalize(Canonicalize(x)) == Canonicalize(x).
func Canonicalize(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}
	if idx := strings.IndexAny(host, "/?#"); idx >= 0 {
		host = host[:idx]
	}
	if idx := strings.LastIndex(host, "@"); idx >= 0 {
		host = host[idx+1:]
	}
	if idx := strings.Index(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	// subdomains, www included, fall away in the registrable-root reduction below
	host = strings.Trim(host, ".")
	if host == "" || strings.ContainsAny(host, " \t") {
		return ""
	}

	labels := strings.Split(host, ".")
	for _, label := range labels {
		if label == "" {
			return ""
		}
	}
	if len(labels) < 3 {
		return host
	}

	keep := 2
	if _, ok := compoundSuffixes[strings.Join(labels[len(labels)-2:], ".")]; ok {
		keep = 3
	}
	return strings.Join(labels[len(labels)-keep:], ".")
}

// EmailDomain returns the canonical domain of an email address.
func EmailDomain(email string) string {
	email = strings.TrimSpace(email)
	idx := strings.LastIndex(email, "@")
	if idx < 0 || idx == len(email)-1 {
		return ""
	}
	return Canonicalize(email[idx+1:])
}

// NormalizeEmail lowercases and trims an address; "" when it has no domain part.
func NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	idx := strings.LastIndex(email, "@")
	if idx <= 0 || idx == len(email)-1 {
		return ""
	}
	return email
}

// Key normalizes an attribution key. Addresses stay whole, anything else is
// canonicalized to its root domain. "" when raw is neither.
func Key(raw string) string {
	if strings.Contains(raw, "@") {
		return NormalizeEmail(raw)
	}
	return Canonicalize(raw)
}

// Classifier decides whether a canonical domain belongs to a personal mail provider.
type Classifier struct {
	extra map[string]struct{}
}

func NewClassifier(extra []string) Classifier {
	set := make(map[string]struct{}, len(extra))
	for _, domain := range extra {
		if canonical := Canonicalize(domain); canonical != "" {
			set[canonical] = struct{}{}
		}
	}
	return Classifier{extra: set}
}

func (c Classifier) IsPersonal(domain string) bool {
	domain = Canonicalize(domain)
	if domain == "" {
		return false
	}
	if _, ok := personalProviders[domain]; ok {
		return true
	}
	_, ok := c.extra[domain]
	return ok
}

// IsPersonal reports membership in the built-in personal provider set.
func IsPersonal(domain string) bool {
	return Classifier{}.IsPersonal(domain)
}
