package user

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"

	"github.com/JakeFAU/bgm-collector/internal/collector"
)

// DefaultOrigins are the mirrors the site answers on.
var DefaultOrigins = []string{"https://bgm.tv", "https://chii.in", "https://bangumi.tv"}

// Compass builds user page URLs, spreading requests over the configured origins.
type Compass struct {
	origins []string
	pick    func(n int) int
}

// NewCompass validates origins and returns a Compass picking one at random per URL.
func NewCompass(origins []string) (*Compass, error) {
	if len(origins) == 0 {
		return nil, errors.New("compass: no origins configured")
	}
	clean := make([]string, 0, len(origins))
	for _, o := range origins {
		u, err := url.Parse(strings.TrimRight(strings.TrimSpace(o), "/"))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("compass: invalid origin %q", o)
		}
		clean = append(clean, u.Scheme+"://"+u.Host)
	}
	return &Compass{origins: clean, pick: rand.IntN}, nil
}

func (c *Compass) origin() string {
	if len(c.origins) == 1 {
		return c.origins[0]
	}
	return c.origins[c.pick(len(c.origins))]
}

// Home is the profile page of uid.
func (c *Compass) Home(uid collector.UID) string {
	return fmt.Sprintf("%s/user/%s", c.origin(), url.PathEscape(uid.String()))
}

// Timeline is page n of uid's status timeline.
func (c *Compass) Timeline(uid collector.UID, page int) string {
	return fmt.Sprintf("%s/user/%s/timeline?type=say&ajax=1&page=%d", c.origin(), url.PathEscape(uid.String()), page)
}

// UserToken extracts the identity a user page URL addresses.
func UserToken(rawURL string) (collector.UID, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return collector.UID{}, false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "user" || parts[1] == "" {
		return collector.UID{}, false
	}
	uid := collector.ParseUID(parts[1])
	return uid, !uid.IsZero()
}
