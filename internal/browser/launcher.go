// Package browser owns the shared Chromium process and the warm pool of
// incognito browser contexts that sessions draw from. One browser process
// serves the whole gateway; isolation between sessions comes from separate
// browser contexts, which share nothing (cookies, storage, cache).
package browser

import (
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/rs/zerolog/log"

	"github.com/browsergate/browsergate/internal/config"
)

// Launch starts the shared Chromium process and connects to it over CDP.
// The returned cleanup function closes the connection and kills the process.
func Launch(cfg *config.BrowserConfig) (*rod.Browser, func(), error) {
	log.Info().
		Bool("headless", cfg.Headless).
		Str("bin_path", cfg.BinPath).
		Bool("stealth", cfg.Stealth).
		Msg("Launching browser")

	l := newLauncher(cfg)

	url, err := l.Launch()
	if err != nil {
		return nil, nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, nil, fmt.Errorf("connect to browser: %w", err)
	}

	cleanup := func() {
		start := time.Now()
		if err := browser.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing browser")
		}
		l.Cleanup()
		log.Debug().Dur("duration", time.Since(start)).Msg("Browser shut down")
	}

	log.Info().Str("url", url).Msg("Browser ready")
	return browser, cleanup, nil
}

// newLauncher builds a configured Rod launcher. Each launcher can only be
// used once; callers needing a second browser must build a fresh one.
func newLauncher(cfg *config.BrowserConfig) *launcher.Launcher {
	l := launcher.New()

	if cfg.BinPath != "" {
		l = l.Bin(cfg.BinPath)
	}

	if cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	// Container-safe flags.
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	// Keep the runtime quiet and deterministic.
	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen").
		Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("safebrowsing-disable-auto-update")

	l = l.Set("accept-lang", "en-US,en;q=0.9").
		Set("window-size", "1280,720")

	if cfg.Stealth {
		// navigator.webdriver stays false without this blink feature.
		l = l.Set("disable-blink-features", "AutomationControlled")
		l = l.Delete("enable-automation")
	}

	return l
}
