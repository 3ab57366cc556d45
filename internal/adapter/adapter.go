// Package adapter models per-platform crawl behavior. Each platform archetype
// is one Adapter: an ordered plan of pre-discovery steps plus a discovery
// strategy. The Runner drives an adapter through its states for one retailer.
package adapter

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/retail-price-crawler/internal/crawler"
	"github.com/JakeFAU/retail-price-crawler/internal/discovery"
)

// State is a point in a retailer crawl.
type State string

// Crawl states, in the order a retailer reaches them.
const (
	StateInit            State = "init"
	StateLoggedIn        State = "logged_in"
	StateFolderNavigated State = "folder_navigated"
	StatePageLoaded      State = "page_loaded"
	StateLinksDiscovered State = "links_discovered"
	StateDownloaded      State = "downloaded"
	StateDone            State = "done"
)

// Step moves a session from one state to the next.
type Step struct {
	Name    string
	Reaches State
	// Failure is the reason recorded when Run fails.
	Failure crawler.Reason
	// OncePerSession steps are skipped for later sources once their state
	// was reached.
	OncePerSession bool
	Run            func(ctx context.Context, sess crawler.Session) error
}

// Adapter is the crawl strategy of one platform archetype.
type Adapter interface {
	Platform() crawler.Platform
	// Plan lists the steps that bring a fresh page for source to the point
	// where links can be discovered.
	Plan(source string) []Step
	// Discover finds download links on the loaded page and names the pass
	// that produced them.
	Discover(ctx context.Context, root crawler.Frame, patterns []string) (discovery.Result, string, error)
}

// Login form selectors, tried in order.
var (
	UsernameSelectors = []string{"input[name='username']", "#username", "input[name='Email']", "input[type='email']"}
	PasswordSelectors = []string{"input[name='password']", "#password", "input[type='password']"}
	SubmitSelectors   = []string{"button[type='submit']", "input[type='submit']", "#login-button"}
)

// New selects the adapter for cfg.Platform. Credentialed platforms resolve
// their secret here so a missing one is known before any session exists.
func New(cfg crawler.RetailerConfig, creds crawler.CredentialProvider, generic, bina discovery.Pass) (Adapter, error) {
	switch cfg.Platform {
	case crawler.PlatformCredentialed, crawler.PlatformCredentialedFolder:
		if creds == nil {
			return nil, fmt.Errorf("retailer %s: %w", cfg.ID, crawler.ErrMissingCredentials)
		}
		secret, ok := creds.Lookup(cfg.CredentialsKey)
		if !ok {
			return nil, fmt.Errorf("retailer %s key %q: %w", cfg.ID, cfg.CredentialsKey, crawler.ErrMissingCredentials)
		}
		a := &Credentialed{cfg: cfg, creds: secret, discover: generic}
		if cfg.Platform == crawler.PlatformCredentialedFolder {
			return &CredentialedFolder{Credentialed: a}, nil
		}
		return a, nil
	case crawler.PlatformBina:
		return &Bina{specific: bina, generic: generic}, nil
	case crawler.PlatformGeneric:
		return &Generic{discover: generic}, nil
	default:
		return nil, crawler.NewConfigError("select adapter", fmt.Errorf("retailer %s: unknown platform %q", cfg.ID, cfg.Platform))
	}
}

func loadPage(source string) Step {
	return Step{
		Name:    "load page",
		Reaches: StatePageLoaded,
		Failure: crawler.ReasonNavigationFailed,
		Run: func(ctx context.Context, sess crawler.Session) error {
			if err := sess.Navigate(ctx, source); err != nil {
				return fmt.Errorf("%w: %w", crawler.ErrNavigation, err)
			}
			return nil
		},
	}
}

// Generic crawls plain public file listings.
type Generic struct {
	discover discovery.Pass
}

// Platform implements Adapter.
func (*Generic) Platform() crawler.Platform { return crawler.PlatformGeneric }

// Plan loads the listing page.
func (*Generic) Plan(source string) []Step { return []Step{loadPage(source)} }

// Discover runs the generic pass only.
func (g *Generic) Discover(ctx context.Context, root crawler.Frame, patterns []string) (discovery.Result, string, error) {
	return discovery.Tiered(ctx, root, nil, g.discover, patterns)
}

// Bina crawls Bina iframe portals.
type Bina struct {
	specific discovery.Pass
	generic  discovery.Pass
}

// Platform implements Adapter.
func (*Bina) Platform() crawler.Platform { return crawler.PlatformBina }

// Plan loads the portal page.
func (*Bina) Plan(source string) []Step { return []Step{loadPage(source)} }

// Discover tries the download-button pass and falls back to anchors only
// when it finds nothing.
func (b *Bina) Discover(ctx context.Context, root crawler.Frame, patterns []string) (discovery.Result, string, error) {
	return discovery.Tiered(ctx, root, b.specific, b.generic, patterns)
}

// Credentialed crawls file portals behind a login form.
type Credentialed struct {
	cfg      crawler.RetailerConfig
	creds    crawler.Credentials
	discover discovery.Pass
}

// Platform implements Adapter.
func (*Credentialed) Platform() crawler.Platform { return crawler.PlatformCredentialed }

// Plan logs in once per session and opens the listing when it is not the
// page the login lands on.
func (c *Credentialed) Plan(source string) []Step {
	steps := []Step{{
		Name:           "login",
		Reaches:        StateLoggedIn,
		Failure:        crawler.ReasonAuthFailed,
		OncePerSession: true,
		Run: func(ctx context.Context, sess crawler.Session) error {
			return c.login(ctx, sess, source)
		},
	}}
	if c.cfg.LoginURL != "" && c.cfg.LoginURL != source {
		open := loadPage(source)
		open.Name = "open listing"
		open.Reaches = StateLoggedIn
		steps = append(steps, open)
	}
	return steps
}

func (c *Credentialed) login(ctx context.Context, sess crawler.Session, source string) error {
	loginURL := c.cfg.LoginURL
	if loginURL == "" {
		loginURL = source
	}
	if err := sess.Navigate(ctx, loginURL); err != nil {
		return fmt.Errorf("%w: open login page: %w", crawler.ErrNavigation, err)
	}
	if err := sess.Fill(ctx, UsernameSelectors, c.creds.Username); err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrAuthentication, err)
	}
	if err := sess.Fill(ctx, PasswordSelectors, c.creds.Password); err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrAuthentication, err)
	}
	if err := sess.Click(ctx, SubmitSelectors); err != nil {
		return fmt.Errorf("%w: submit: %w", crawler.ErrAuthentication, err)
	}
	frame, err := sess.MainFrame(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrAuthentication, err)
	}
	remaining, err := frame.Count(ctx, strings.Join(PasswordSelectors, ", "))
	if err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrAuthentication, err)
	}
	if remaining > 0 {
		return fmt.Errorf("%w: still on login form at %s", crawler.ErrAuthentication, frame.URL())
	}
	return nil
}

// Discover runs the generic pass over the file listing.
func (c *Credentialed) Discover(ctx context.Context, root crawler.Frame, patterns []string) (discovery.Result, string, error) {
	return discovery.Tiered(ctx, root, nil, c.discover, patterns)
}

// CredentialedFolder is a credentialed portal whose files sit in a named
// sub-folder of the file manager.
type CredentialedFolder struct {
	*Credentialed
}

// Platform implements Adapter.
func (*CredentialedFolder) Platform() crawler.Platform { return crawler.PlatformCredentialedFolder }

// Plan logs in and then opens the folder.
func (f *CredentialedFolder) Plan(source string) []Step {
	return append(f.Credentialed.Plan(source), Step{
		Name:    "open folder",
		Reaches: StateFolderNavigated,
		Failure: crawler.ReasonFolderNotFound,
		Run: func(ctx context.Context, sess crawler.Session) error {
			return f.openFolder(ctx, sess, source)
		},
	})
}

// openFolder tries the file manager's direct folder URL and falls back to
// clicking the folder entry in the root listing.
func (f *CredentialedFolder) openFolder(ctx context.Context, sess crawler.Session, source string) error {
	folder := strings.Trim(f.cfg.Folder, "/")
	origin, err := originOf(source)
	if err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrFolderNavigation, err)
	}
	direct := origin + "/file/cdup/" + url.PathEscape(folder) + "/"
	if err := sess.Navigate(ctx, direct); err == nil {
		if frame, err := sess.MainFrame(ctx); err == nil {
			if n, err := frame.Count(ctx, "a[href]"); err == nil && n > 0 {
				return nil
			}
		}
	} else if ctx.Err() != nil {
		return err
	}

	if err := sess.Navigate(ctx, origin+"/file"); err != nil {
		return fmt.Errorf("%w: open file manager: %w", crawler.ErrFolderNavigation, err)
	}
	selectors := []string{
		fmt.Sprintf("a[href*='%s']", folder),
		fmt.Sprintf("a[title='%s']", folder),
	}
	if err := sess.Click(ctx, selectors); err != nil {
		return fmt.Errorf("%w: %q: %w", crawler.ErrFolderNavigation, folder, err)
	}
	return nil
}

func originOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q has no origin", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}
