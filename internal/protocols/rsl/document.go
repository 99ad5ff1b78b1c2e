package rsl

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"net/url"
	"strings"

	"github.com/technosupport/licensegate/internal/protocols"
)

const Namespace = "https://rslstandard.org/rsl"

var ErrNoMatchingContent = errors.New("rsl: no content element matches url")

type document struct {
	XMLName  xml.Name      `xml:"https://rslstandard.org/rsl rsl"`
	Contents []contentElem `xml:"content"`
}

type contentElem struct {
	URL       string         `xml:"url,attr"`
	Server    string         `xml:"server,attr"`
	Licenses  []licenseElem  `xml:"license"`
	Copyright *copyrightElem `xml:"copyright"`
}

type licenseElem struct {
	Permits   []usageElem   `xml:"permits"`
	Prohibits []usageElem   `xml:"prohibits"`
	Payments  []paymentElem `xml:"payment"`
}

type usageElem struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type paymentElem struct {
	Type    string       `xml:"type,attr"`
	Amounts []amountElem `xml:"amount"`
}

type amountElem struct {
	Currency string `xml:"currency,attr"`
	Value    string `xml:",chardata"`
}

type copyrightElem struct {
	Contact string `xml:"contact,attr"`
	Value   string `xml:",chardata"`
}

// parseDocument decodes an RSL document. The root element must carry the
// RSL namespace.
func parseDocument(raw []byte) (*document, error) {
	var doc document
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if len(doc.Contents) == 0 {
		return nil, errors.New("rsl: document has no content elements")
	}
	return &doc, nil
}

// match picks the content element with the most specific url pattern that
// covers target. Patterns may be relative and may end in "*".
func (d *document) match(target *url.URL) (*contentElem, error) {
	var best *contentElem
	bestLen := -1
	for i := range d.Contents {
		c := &d.Contents[i]
		prefix, ok := patternPrefix(c.URL, target)
		if !ok {
			continue
		}
		if strings.HasPrefix(target.Scheme+"://"+target.Host+target.EscapedPath(), prefix) && len(prefix) > bestLen {
			best, bestLen = c, len(prefix)
		}
	}
	if best == nil {
		return nil, ErrNoMatchingContent
	}
	return best, nil
}

func patternPrefix(pattern string, target *url.URL) (string, bool) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		pattern = "/"
	}
	pattern = strings.TrimSuffix(pattern, "*")
	ref, err := url.Parse(pattern)
	if err != nil {
		return "", false
	}
	abs := target.ResolveReference(ref)
	return abs.Scheme + "://" + abs.Host + abs.EscapedPath(), true
}

// terms converts a matched content element into LicenseTerms. Usage that is
// not restricted by a permits list is allowed unless explicitly prohibited.
func (c *contentElem) terms(target *url.URL) (*protocols.LicenseTerms, error) {
	t := &protocols.LicenseTerms{
		Protocol:          protocols.RSL,
		URL:               target.String(),
		Publisher:         target.Hostname(),
		LicenseServerURL:  strings.TrimRight(strings.TrimSpace(c.Server), "/"),
		PermitsAITraining: true,
		PermitsAIInclude:  true,
		PermitsSearch:     true,
	}
	if c.Copyright != nil {
		if v := strings.TrimSpace(c.Copyright.Value); v != "" {
			t.Publisher = v
		} else if c.Copyright.Contact != "" {
			t.Publisher = c.Copyright.Contact
		}
	}

	var free bool
	for _, lic := range c.Licenses {
		for _, p := range lic.Permits {
			if p.Type != "" && p.Type != "usage" {
				continue
			}
			usages := splitList(p.Value)
			t.PermitsAITraining = usages["ai-train"] || usages["all"]
			t.PermitsAIInclude = usages["ai-include"] || usages["ai-input"] || usages["ai-use"] || usages["all"]
			t.PermitsSearch = usages["search"] || usages["all"]
		}
		for _, p := range lic.Prohibits {
			if p.Type != "" && p.Type != "usage" {
				continue
			}
			usages := splitList(p.Value)
			if usages["ai-train"] || usages["all"] {
				t.PermitsAITraining = false
			}
			if usages["ai-include"] || usages["ai-input"] || usages["ai-use"] || usages["all"] {
				t.PermitsAIInclude = false
			}
			if usages["search"] || usages["all"] {
				t.PermitsSearch = false
			}
		}

		for _, pay := range lic.Payments {
			price, err := firstAmount(pay.Amounts)
			if err != nil {
				return nil, err
			}
			switch strings.ToLower(strings.TrimSpace(pay.Type)) {
			case "inference", "crawl", "use", "subscription":
				if price != nil && t.AITierPrice == nil {
					t.AITierPrice = price
				}
			case "purchase":
				if price != nil && t.FullAccessPrice == nil {
					t.FullAccessPrice = price
				}
			case "attribution":
				t.RequiresAttribution = true
				free = true
			case "free", "":
				free = true
			}
		}
	}

	if free {
		zero := protocols.Money{Currency: "USD"}
		if t.AITierPrice == nil {
			z := zero
			t.AITierPrice = &z
		}
		if t.FullAccessPrice == nil {
			z := zero
			t.FullAccessPrice = &z
		}
	}
	return t, nil
}

func firstAmount(amounts []amountElem) (*protocols.Money, error) {
	for _, a := range amounts {
		if strings.TrimSpace(a.Value) == "" {
			continue
		}
		currency := a.Currency
		if currency == "" {
			currency = "USD"
		}
		m, err := protocols.ParseDecimal(a.Value, currency)
		if err != nil {
			return nil, err
		}
		return &m, nil
	}
	return nil, nil
}

func splitList(v string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' || r == '\t' }) {
		out[strings.ToLower(f)] = true
	}
	return out
}

// licenseDirective returns the first License: URL in a robots.txt body.
func licenseDirective(robots []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(robots))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "license") {
			continue
		}
		if val = strings.TrimSpace(val); val != "" {
			return val
		}
	}
	return ""
}
