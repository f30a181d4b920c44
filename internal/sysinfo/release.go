package sysinfo

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"linkgate/pkg/problems"
)

// MinRelease is the oldest backend release (yyyymm) that can be linked.
const MinRelease = 201906

var releasePattern = regexp.MustCompile(`^RC(\d{6})`)

// CheckRelease asks the backend at baseURL for its release and returns the
// release candidate tag (e.g. "RC201906") when it is new enough.
func (c *Cache) CheckRelease(ctx context.Context, baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", problems.New(problems.InvalidPayload, "not a valid backend URL")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, body, err := c.get(ctx, strings.TrimRight(u.String(), "/")+"?f=wcrelease&json", 1<<20)
	if err != nil {
		c.log.Warnw("release probe failed", "url", u.Redacted(), "err", err)
		return "", problems.Wrap(problems.DiscoveryFailure, "Something is broken please try again later.", err)
	}
	var doc struct {
		Release *struct {
			RC string `json:"rc"`
		} `json:"wcrelease"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || doc.Release == nil {
		return "", problems.New(problems.InvalidPayload, "not a valid backend URL")
	}
	if doc.Release.RC == "" {
		return "", problems.New(problems.InvalidPayload, "unable to find rc in response")
	}
	m := releasePattern.FindStringSubmatch(doc.Release.RC)
	if m == nil {
		return "", problems.Newf(problems.InvalidPayload, "unrecognised release %q", doc.Release.RC)
	}
	n, _ := strconv.Atoi(m[1])
	if n < MinRelease {
		return "", problems.Newf(problems.UnsupportedRelease, "release %s is older than RC%d", doc.Release.RC, MinRelease)
	}
	return doc.Release.RC, nil
}
