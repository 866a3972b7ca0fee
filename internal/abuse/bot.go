package abuse

import (
	"context"
	"strings"
)

var automationMarkers = []string{
	"bot", "crawl", "spider", "slurp", "scrapy",
	"curl", "wget", "httpie", "libwww", "httpclient",
	"python-requests", "python-urllib", "aiohttp", "httpx",
	"go-http-client", "okhttp", "java/", "node-fetch", "axios",
	"headlesschrome", "phantomjs", "puppeteer", "playwright", "selenium",
	"postmanruntime", "insomnia",
}

// BotRule denies clients whose user agent is missing or identifies an
// automation tool. Agents containing an Allow entry are exempt.
type BotRule struct {
	Allow []string
}

func (r *BotRule) Name() string { return "bot" }

func (r *BotRule) Evaluate(_ context.Context, req Request) (Decision, error) {
	agent := strings.ToLower(strings.TrimSpace(req.UserAgent))
	for _, allowed := range r.Allow {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed != "" && strings.Contains(agent, allowed) {
			return Allow(), nil
		}
	}
	if agent == "" {
		return Deny(r.Name(), ReasonBot, "missing user agent"), nil
	}
	for _, marker := range automationMarkers {
		if strings.Contains(agent, marker) {
			return Deny(r.Name(), ReasonBot, "automated client: "+marker), nil
		}
	}
	if hints := strings.ToLower(req.Headers["sec-ch-ua"]); strings.Contains(hints, "headless") {
		return Deny(r.Name(), ReasonBot, "automated client: headless browser"), nil
	}
	return Allow(), nil
}
