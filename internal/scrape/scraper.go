package scrape

import (
	"context"
	"net/url"
	"strings"

	appLog "coursewatch/internal/log"
	"coursewatch/internal/model"
)

// Scraper turns a course URL into a snapshot: fetch the page, parse its
// sessions, then look up the spot count of every available session.
type Scraper struct {
	fetcher Fetcher
	parser  *Parser
}

func NewScraper(fetcher Fetcher, parser *Parser) *Scraper {
	return &Scraper{fetcher: fetcher, parser: parser}
}

// Sessions returns the current snapshot of course. Errors are *FetchError
// or *ParseError. A failed spot lookup only logs and leaves SpotCount at 0.
func (s *Scraper) Sessions(ctx context.Context, course model.WatchedCourse) (model.Snapshot, error) {
	body, err := s.fetcher.Fetch(ctx, course.URL)
	if err != nil {
		return nil, err
	}

	parsed, err := s.parser.Parse(body, course.Title)
	if err != nil {
		return nil, &ParseError{URL: course.URL, Err: err}
	}

	snap := make(model.Snapshot, 0, len(parsed))
	for _, ps := range parsed {
		rec := ps.Record
		if rec.Available() && ps.DetailHref != "" {
			rec.SpotCount = s.spots(ctx, course.URL, ps.DetailHref)
		}
		snap = append(snap, rec)
	}

	appLog.Info("course parsed", "url", course.URL, "sessions", len(snap), "available", len(snap.Available()))
	return snap, nil
}

// Title fetches courseURL and returns its display title.
func (s *Scraper) Title(ctx context.Context, courseURL string) (string, error) {
	body, err := s.fetcher.Fetch(ctx, courseURL)
	if err != nil {
		return "", err
	}
	title, err := s.parser.ParseTitle(body)
	if err != nil {
		return "", &ParseError{URL: courseURL, Err: err}
	}
	return title, nil
}

func (s *Scraper) spots(ctx context.Context, courseURL, href string) int {
	detailURL, err := DetailURL(courseURL, href)
	if err != nil {
		appLog.Error("bad session detail link", err, "course", courseURL, "href", href)
		return 0
	}
	body, err := s.fetcher.Fetch(ctx, detailURL)
	if err != nil {
		appLog.Error("session detail fetch failed", err, "url", detailURL)
		return 0
	}
	n, err := s.parser.ParseSpots(body)
	if err != nil {
		appLog.Error("session detail parse failed", err, "url", detailURL)
		return 0
	}
	return n
}

// DetailURL resolves a registration link found on a course page. The site
// emits bare query strings ("?pid=..&id=..") meant for the host root; other
// forms resolve as ordinary relative references.
func DetailURL(courseURL, href string) (string, error) {
	base, err := url.Parse(courseURL)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(href, "?") {
		u := url.URL{
			Scheme:   base.Scheme,
			Host:     base.Host,
			Path:     "/",
			RawQuery: strings.TrimPrefix(href, "?"),
		}
		return u.String(), nil
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	resolved := base.ResolveReference(ref)
	resolved.Fragment = ""
	return resolved.String(), nil
}
