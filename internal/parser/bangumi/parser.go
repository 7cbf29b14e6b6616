// Package bangumi parses user home pages and timeline pages served by the
// bangumi site family.
package bangumi

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/bgm-collector/internal/collector"
)

const (
	bannedName      = "[已封禁]"
	pmPrefix        = "/pm/compose/"
	avatarPrefix    = "background-image:url('//lain.bgm.tv/pic/user/"
	defaultInactive = 12
)

// Parser implements collector.PageParser.
type Parser struct {
	clock          collector.Clock
	inactiveMonths int
}

// New returns a Parser. Users whose last timeline entry is older than
// inactiveMonths are classified as abandoned; non-positive values use 12.
func New(clock collector.Clock, inactiveMonths int) *Parser {
	if inactiveMonths <= 0 {
		inactiveMonths = defaultInactive
	}
	return &Parser{clock: clock, inactiveMonths: inactiveMonths}
}

func load(html []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("load html: %w", err)
	}
	return doc, nil
}

// ParseProfile extracts the profile record from a user home page. It returns
// collector.ErrNotFound when the page has no profile header.
func (p *Parser) ParseProfile(html []byte) (collector.ProfileRecord, error) {
	var rec collector.ProfileRecord
	doc, err := load(html)
	if err != nil {
		return rec, err
	}
	now := p.clock.Now()

	header := doc.Find("#headerProfile .nameSingle")
	if header.Length() == 0 {
		return rec, collector.ErrNotFound
	}
	nameEl := header.Find(".inner .name")
	token := strings.TrimSpace(nameEl.Find("small.grey").First().Text())
	token = strings.TrimPrefix(token, "@")
	uid := collector.ParseUID(token)
	switch uid.Kind() {
	case collector.UIDNumeric:
		nid, _ := uid.NID()
		rec.NID = &nid
	case collector.UIDSlug:
		sid, _ := uid.SID()
		rec.SID = &sid
		if nid, ok := numericFromPM(header); ok {
			rec.NID = &nid
		} else if nid, ok := numericFromAvatar(header); ok {
			rec.NID = &nid
		}
	default:
		return rec, errors.New("profile header carries no user id")
	}

	rec.Name = strings.TrimSpace(nameEl.Find("a").First().Text())

	joined := doc.Find("#user_home ul.network_service > li").First().Find("span.tip").Text()
	joined = strings.TrimSpace(strings.ReplaceAll(joined, "加入", ""))
	if t, err := ParseTime(joined, now); err == nil {
		rec.JoinTime = &t
	}

	stamps := doc.Find("#pinnedLayout ul.timeline > li small.time")
	switch {
	case stamps.Length() > 0:
		last, err := ParseTime(stamps.First().Text(), now)
		if err != nil {
			return rec, fmt.Errorf("last activity: %w", err)
		}
		rec.LastActive = &last
		rec.State = collector.StateActive
		if last.AddDate(0, p.inactiveMonths, 0).Before(now) {
			rec.State = collector.StateAbandoned
		}
		cols, err := parseCollections(doc)
		if err != nil {
			return rec, err
		}
		rec.Collections = cols
	case rec.Name == bannedName:
		rec.State = collector.StateBanned
	default:
		rec.State = collector.StateDropped
	}
	return rec, nil
}

func numericFromPM(header *goquery.Selection) (int64, bool) {
	href, ok := header.Find(".inner .actions a.chiiBtn").Last().Attr("href")
	if !ok || !strings.HasPrefix(href, pmPrefix) {
		return 0, false
	}
	token := strings.TrimSuffix(strings.TrimPrefix(href, pmPrefix), ".chii")
	return numericToken(token)
}

func numericFromAvatar(header *goquery.Selection) (int64, bool) {
	style, ok := header.Find(".headerAvatar .avatar span.avatarNeue").Attr("style")
	if !ok || !strings.HasPrefix(style, avatarPrefix) {
		return 0, false
	}
	file := style[strings.LastIndex(style, "/")+1:]
	if i := strings.Index(file, "."); i >= 0 {
		file = file[:i]
	}
	if i := strings.Index(file, "_"); i >= 0 {
		file = file[:i]
	}
	return numericToken(file)
}

func numericToken(token string) (int64, bool) {
	nid, ok := collector.ParseUID(token).NID()
	return nid, ok
}

func parseCollections(doc *goquery.Document) (*collector.Collections, error) {
	cols := collector.Collections{}
	for _, st := range collector.SubjectTypes {
		links := doc.Find("#" + string(st) + ".section .horizontalOptions ul li:not(.title) a")
		if links.Length() == 0 {
			continue
		}
		var tc collector.TypedCollection
		var parseErr error
		links.EachWithBreak(func(_ int, a *goquery.Selection) bool {
			href, _ := a.Attr("href")
			state := collector.CollectionState(lastSegment(href))
			count, err := strconv.Atoi(strings.TrimSpace(a.Children().Last().Text()))
			if err != nil {
				parseErr = fmt.Errorf("%s %s count: %w", st, state, err)
				return false
			}
			// Shelves the model does not know about are ignored.
			_ = tc.Set(state, count)
			return true
		})
		if parseErr != nil {
			return nil, parseErr
		}
		cols[st] = tc
	}
	if len(cols) == 0 {
		return nil, nil
	}
	return &cols, nil
}

func lastSegment(href string) string {
	if u, err := url.Parse(href); err == nil {
		href = u.Path
	}
	href = strings.TrimSuffix(href, "/")
	return href[strings.LastIndex(href, "/")+1:]
}

// ParseTimeline extracts the name announcements and the oldest date header
// from one timeline page. It returns nil when the page has no timeline.
func (p *Parser) ParseTimeline(html []byte) (*collector.TimelinePage, error) {
	doc, err := load(html)
	if err != nil {
		return nil, err
	}
	timeline := doc.Find("#timeline")
	if timeline.Length() == 0 {
		return nil, nil
	}
	headers := timeline.Find("h4.Header")
	if headers.Length() == 0 {
		return nil, nil
	}
	keyPoint, err := ParseTime(headers.Last().Text(), p.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("timeline key point: %w", err)
	}
	names := collector.NameSet{}
	timeline.Find("li.tml_item > span > p.status:has(strong) > strong").Each(func(_ int, s *goquery.Selection) {
		names.Add(strings.TrimSpace(s.Text()))
	})
	return &collector.TimelinePage{KeyPoint: keyPoint, Names: names}, nil
}

var _ collector.PageParser = (*Parser)(nil)
