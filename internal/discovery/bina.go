package discovery

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
	"github.com/JakeFAU/retail-price-crawler/internal/logging"
)

const (
	binaButtonSelector = "[onclick*='Download'], [onclick*='download']"
	binaDownloadPath   = "Download.aspx"
)

var binaDownloadCall = regexp.MustCompile(`(?i)Download\(\s*['"]([^'"]+)['"]`)

// BinaPass reads the Download('<file>') buttons Bina portals render instead
// of anchors and maps each file onto the portal's download endpoint.
type BinaPass struct {
	maxFrames int
	logger    *zap.Logger
}

// NewBinaPass builds the Bina-specific pass.
func NewBinaPass(logger *zap.Logger) *BinaPass {
	return &BinaPass{
		maxFrames: defaultMaxFrames,
		logger:    logging.OrNop(logger).Named("discovery.bina"),
	}
}

// Name identifies the pass in logs.
func (p *BinaPass) Name() string { return "bina" }

// Discover collects archive files announced by download buttons in any frame.
func (p *BinaPass) Discover(ctx context.Context, root crawler.Frame, _ []string) (Result, error) {
	return walk(ctx, root, p.maxFrames, p.logger, func(ctx context.Context, frame crawler.Frame) ([]string, error) {
		n, err := frame.Count(ctx, binaButtonSelector)
		if err != nil {
			return nil, fmt.Errorf("probe download buttons: %w", err)
		}
		if n == 0 {
			return nil, nil
		}
		handlers, err := frame.Extract(ctx, binaButtonSelector, "onclick")
		if err != nil {
			return nil, fmt.Errorf("extract download buttons: %w", err)
		}
		var links []string
		for _, h := range handlers {
			if link, ok := binaLink(frame.URL(), h); ok {
				links = append(links, link)
			}
		}
		return links, nil
	})
}

func binaLink(frameURL, onclick string) (string, bool) {
	m := binaDownloadCall.FindStringSubmatch(onclick)
	if m == nil {
		return "", false
	}
	name := strings.TrimSpace(m[1])
	lower := strings.ToLower(name)
	if !strings.HasSuffix(lower, ".gz") && !strings.HasSuffix(lower, ".zip") {
		return "", false
	}
	return Resolve(frameURL, binaDownloadPath+"?FileNm="+url.QueryEscape(name))
}
