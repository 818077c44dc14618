package github

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Pagination holds the typed links of a Link response header.
type Pagination struct {
	First *url.URL
	Prev  *url.URL
	Next  *url.URL
	Last  *url.URL
}

// ParseLinkHeader parses the subset of RFC 8288 the remote actually sends:
// comma separated `<url>; rel="name"` entries. An empty header yields nil.
func ParseLinkHeader(header string) (*Pagination, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	p := &Pagination{}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		target, params, ok := strings.Cut(part, ";")
		target = strings.TrimSpace(target)
		if !ok || !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			return nil, fmt.Errorf("%w: malformed link %q", ErrProtocol, part)
		}
		u, err := url.Parse(target[1 : len(target)-1])
		if err != nil {
			return nil, fmt.Errorf("%w: link url: %v", ErrProtocol, err)
		}
		rel := ""
		for _, param := range strings.Split(params, ";") {
			name, value, _ := strings.Cut(strings.TrimSpace(param), "=")
			if strings.EqualFold(name, "rel") {
				rel = strings.Trim(strings.TrimSpace(value), `"`)
			}
		}
		switch rel {
		case "first":
			p.First = u
		case "prev":
			p.Prev = u
		case "next":
			p.Next = u
		case "last":
			p.Last = u
		case "":
			return nil, fmt.Errorf("%w: link without rel %q", ErrProtocol, part)
		}
	}
	return p, nil
}

// CanInterpolate reports whether every remaining page URL can be computed
// from next and last: both must differ only in an integer page parameter.
func (p *Pagination) CanInterpolate() bool {
	if p == nil || p.Next == nil || p.Last == nil {
		return false
	}
	next, okNext := pageNumber(p.Next)
	last, okLast := pageNumber(p.Last)
	if !okNext || !okLast || next > last {
		return false
	}
	if p.Next.Scheme != p.Last.Scheme || p.Next.Host != p.Last.Host || p.Next.Path != p.Last.Path {
		return false
	}
	nq, lq := p.Next.Query(), p.Last.Query()
	nq.Del("page")
	lq.Del("page")
	return nq.Encode() == lq.Encode()
}

// Interpolate returns the URLs of pages next..last in order. It returns nil
// when CanInterpolate is false.
func (p *Pagination) Interpolate() []*url.URL {
	if !p.CanInterpolate() {
		return nil
	}
	next, _ := pageNumber(p.Next)
	last, _ := pageNumber(p.Last)
	pages := make([]*url.URL, 0, last-next+1)
	for page := next; page <= last; page++ {
		u := *p.Next
		q := u.Query()
		q.Set("page", strconv.Itoa(page))
		u.RawQuery = q.Encode()
		pages = append(pages, &u)
	}
	return pages
}

func pageNumber(u *url.URL) (int, bool) {
	n, err := strconv.Atoi(u.Query().Get("page"))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
