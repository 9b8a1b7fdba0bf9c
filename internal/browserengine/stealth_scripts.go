package browserengine

// environmentNormalizeJS runs once, on every new document, before any page
// script executes. It defines the global the origin expects and, for
// desktop UAs, spoofs the touch/platform/webdriver fingerprints real
// desktop Chrome reports — this runs in addition to stealth.JS, not
// instead of it.
const environmentNormalizeJS = `(() => {
	window.__gatewayReady = true;
	if (%s) {
		try {
			Object.defineProperty(navigator, 'platform', { get: () => 'Win32' });
			Object.defineProperty(navigator, 'maxTouchPoints', { get: () => 0 });
			Object.defineProperty(navigator, 'webdriver', { get: () => false });
		} catch (e) {}
	}
})();`

// antiAdJS runs every second while a session is open in media-sniffing
// mode: it closes obvious ad overlays and unmutes/plays the primary video
// element. It is not run for ordinary page loads; only media-sniffing
// sessions use it.
const antiAdJS = `(() => {
	const adSelectors = [
		'[class*="ad-overlay"]', '[id*="ad-overlay"]',
		'[class*="video-ads"]', '[id*="video-ads"]',
		'.ima-ad-container', '[class*="preroll"]',
	];
	for (const sel of adSelectors) {
		document.querySelectorAll(sel).forEach(el => el.remove());
	}
	const video = document.querySelector('video');
	if (video) {
		video.muted = false;
		if (video.paused) {
			video.play().catch(() => {});
		}
	}
})();`

// navigationStatusJS reads the HTTP status code of the current navigation
// without needing a CDP Network-domain event listener, which conflicts
// with the Fetch domain used by hijack interception on newer Chromium.
const navigationStatusJS = `() => {
	try {
		const entries = performance.getEntriesByType("navigation");
		if (entries.length > 0) return entries[0].responseStatus || 0;
	} catch (e) {}
	return 0;
}`
