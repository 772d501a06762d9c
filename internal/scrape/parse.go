package scrape

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"coursewatch/internal/config"
	appLog "coursewatch/internal/log"
	"coursewatch/internal/model"
	"coursewatch/internal/snapshot"
)

// statusClasses maps the CSS class of the registration control to a status.
var statusClasses = map[string]model.Status{
	"btn_insc":    model.StatusAvailable,
	"full":        model.StatusFull,
	"close":       model.StatusUnavailable,
	"btn_desinsc": model.StatusEnrolled,
	"inscrit":     model.StatusEnrolled,
	"old":         model.StatusOld,
	"past":        model.StatusOld,
}

// ParsedSession is a session record plus the link to its detail page, which
// is where the spot count lives.
type ParsedSession struct {
	Record     model.SessionRecord
	DetailHref string
}

// Parser reads course pages with goquery using configurable selectors.
type Parser struct {
	sel     config.ParserConfig
	spotsRe *regexp.Regexp
}

func NewParser(sel config.ParserConfig) *Parser {
	return &Parser{
		sel:     sel,
		spotsRe: regexp.MustCompile(regexp.QuoteMeta(sel.SpotsLabel) + `\s*(\d+)`),
	}
}

// Parse extracts every session of the course page in document order. Each
// course block is one room; each item inside it one session. A session
// missing one of its labels fails the whole document. A status control with
// an unknown class is skipped. A document without course blocks is only
// accepted as an empty course when it matches the configured empty marker;
// a title alone does not make a course page.
func (p *Parser) Parse(body []byte, courseTitle string) ([]ParsedSession, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	blocks := doc.Find(p.sel.CourseBlock)
	if blocks.Length() == 0 && (p.sel.EmptyMarker == "" || doc.Find(p.sel.EmptyMarker).Length() == 0) {
		return nil, errors.New("no course blocks: not a course page")
	}

	out := make([]ParsedSession, 0)
	var firstErr error

	blocks.EachWithBreak(func(_ int, block *goquery.Selection) bool {
		room := cleanText(block.Find(p.sel.Room).First().Text())

		block.Find(p.sel.SessionItem).EachWithBreak(func(i int, item *goquery.Selection) bool {
			ps, ok, err := p.parseItem(item, courseTitle, room)
			if err != nil {
				firstErr = fmt.Errorf("session %d in room %q: %w", i, room, err)
				return false
			}
			if ok {
				out = append(out, ps)
			}
			return true
		})
		return firstErr == nil
	})
	if firstErr != nil {
		return nil, firstErr
	}

	recs := make(model.Snapshot, len(out))
	for i, ps := range out {
		recs[i] = ps.Record
	}
	if err := snapshot.ValidateKeys(recs); err != nil {
		return nil, err
	}

	return out, nil
}

func (p *Parser) parseItem(item *goquery.Selection, courseTitle, room string) (ParsedSession, bool, error) {
	day := item.Find(p.sel.Day).First()
	dt := item.Find(p.sel.Datetime).First()
	hour := item.Find(p.sel.Hour).First()
	inscr := item.Find(p.sel.Status).First()

	switch {
	case day.Length() == 0:
		return ParsedSession{}, false, errors.New("missing day label")
	case dt.Length() == 0:
		return ParsedSession{}, false, errors.New("missing date label")
	case hour.Length() == 0:
		return ParsedSession{}, false, errors.New("missing hour label")
	case inscr.Length() == 0:
		return ParsedSession{}, false, errors.New("missing registration control")
	}

	control := inscr.Children().First()
	if control.Length() == 0 {
		return ParsedSession{}, false, errors.New("empty registration control")
	}
	class := firstClass(control)
	status, known := statusClasses[class]
	if !known {
		appLog.Warn("unknown session status class, skipping session",
			"class", class, "course", courseTitle, "day", cleanText(day.Text()), "hour", cleanText(hour.Text()))
		return ParsedSession{}, false, nil
	}

	ps := ParsedSession{
		Record: model.SessionRecord{
			Day:         cleanText(day.Text()),
			Datetime:    cleanText(dt.Text()),
			Hour:        cleanText(hour.Text()),
			Status:      status,
			CourseTitle: courseTitle,
			Room:        room,
		},
	}
	if status == model.StatusAvailable {
		ps.DetailHref, _ = control.Attr("href")
	}
	return ps, true, nil
}

// ParseTitle returns the course title of a page: the configured title
// selector, then <h1>, then <title>.
func (p *Parser) ParseTitle(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	for _, sel := range []string{p.sel.Title, "h1", "title"} {
		if sel == "" {
			continue
		}
		if t := cleanText(doc.Find(sel).First().Text()); t != "" {
			return t, nil
		}
	}
	return "", ErrNoTitle
}

// ParseSpots reads the individual spot count from a session detail page:
// the <dt> whose text starts with the configured label, e.g.
// "Individuel: 4". Returns 0 when no such entry exists.
func (p *Parser) ParseSpots(body []byte) (int, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return 0, err
	}

	spots := 0
	doc.Find("dt").EachWithBreak(func(_ int, dt *goquery.Selection) bool {
		text := strings.TrimSpace(dt.Text())
		if !strings.HasPrefix(text, p.sel.SpotsLabel) {
			return true
		}
		if m := p.spotsRe.FindStringSubmatch(text); m != nil {
			spots, _ = strconv.Atoi(m[1])
			return false
		}
		return true
	})
	return spots, nil
}

func firstClass(s *goquery.Selection) string {
	class, _ := s.Attr("class")
	fields := strings.Fields(class)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// cleanText collapses internal whitespace runs and trims the result.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
