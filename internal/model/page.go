package model

import "sync"

// PageContext gives access to the page the context is currently showing.
type PageContext interface {
	URL() string
	Referrer() string
}

// StaticPage is a PageContext whose values are set explicitly.
// Safe for concurrent use.
type StaticPage struct {
	mu       sync.RWMutex
	url      string
	referrer string
}

// NewStaticPage returns a page positioned at url.
func NewStaticPage(url, referrer string) *StaticPage {
	return &StaticPage{url: url, referrer: referrer}
}

// Navigate moves the page to url, keeping the previous url as referrer.
func (p *StaticPage) Navigate(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.referrer = p.url
	p.url = url
}

func (p *StaticPage) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

func (p *StaticPage) Referrer() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.referrer
}
