package model

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Fingerprint tuning. Any bucket size preserves "nearly identical" semantics;
// these match what the collector groups on.
const (
	ClickGrid   = 10 // px
	ScrollStep  = 10 // percent
	maxErrorKey = 120
)

// NormalizeURL reduces a page URL to the form used in fingerprints: NFC
// normalized, scheme and host lower-cased, fragment dropped, trailing slash
// trimmed. Strings that do not parse are only NFC normalized and trimmed.
func NormalizeURL(raw string) string {
	s := norm.NFC.String(strings.TrimSpace(raw))
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return strings.TrimRight(s, "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String()
}

// Fingerprint derives the key used to recognize near-duplicate events:
// type, normalized page and the type-specific discriminators.
func Fingerprint(e Event) string {
	base := string(e.Type) + "|" + NormalizeURL(e.PageURL)
	switch e.Type {
	case EventClick:
		if e.Click != nil {
			return fmt.Sprintf("%s|%d,%d|%s", base, roundTo(e.Click.X, ClickGrid), roundTo(e.Click.Y, ClickGrid), e.Click.ID)
		}
	case EventScroll:
		if e.Scroll != nil {
			return fmt.Sprintf("%s|%d|%s", base, e.Scroll.Depth/ScrollStep*ScrollStep, e.Scroll.Direction)
		}
	case EventCustom:
		if e.Custom != nil {
			return base + "|" + e.Custom.Name
		}
	case EventWebVitals:
		if e.WebVitals != nil {
			return base + "|" + e.WebVitals.Name
		}
	case EventError:
		if e.Error != nil {
			msg := e.Error.Message
			if len(msg) > maxErrorKey {
				msg = msg[:maxErrorKey]
			}
			return base + "|" + e.Error.Type + ":" + msg
		}
	case EventSessionEnd:
		if e.SessionEnd != nil {
			return base + "|" + string(e.SessionEnd.Reason)
		}
	}
	return base
}

// roundTo rounds v to the nearest multiple of step.
func roundTo(v, step int) int {
	if v < 0 {
		return -roundTo(-v, step)
	}
	return (v + step/2) / step * step
}
