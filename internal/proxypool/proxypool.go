// Package proxypool loads candidate proxies from a text provider endpoint,
// validates each with a bounded-timeout GET against a known-good URL, and
// exposes a random validated pick to the Fetch Engine.
//
// Grounded on original_source/utils/proxy_verifier.py (get_proxies' regex,
// skip socks*, verify_proxies' per-proxy connectivity test) and
// codepr-webcrawler/crawler/fetcher/fetcher.go's use of PuerkitoBio/rehttp
// for transport-level retry on transient errors.
package proxypool

import (
	"crypto/tls"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/PuerkitoBio/rehttp"

	"github.com/pageloom/pageloom/pkg/spyglass"
)

var proxyPattern = regexp.MustCompile(`(?P<protocol>https?|socks[45]?)://(?P<ip>[\d.]+):(?P<port>\d+)`)

// Config controls how the pool loads and validates proxies.
type Config struct {
	// ProviderURL returns a text document listing protocol://ip:port lines.
	ProviderURL string
	// VerifyURL is the known-good endpoint each candidate must reach with
	// a 200 within VerifyTimeout to be kept.
	VerifyURL     string
	VerifyTimeout time.Duration
	MaxProxies    int
}

// DefaultConfig mirrors the source's get_proxies/verify_proxies defaults.
func DefaultConfig() Config {
	return Config{
		ProviderURL:   "https://api.proxyscrape.com/v3/free-proxy-list/get?request=displayproxies&proxy_format=protocolipport&format=text",
		VerifyURL:     "https://www.google.com",
		VerifyTimeout: 10 * time.Second,
		MaxProxies:    30,
	}
}

// Pool is append-only within a process: proxies are loaded once, never
// refreshed in the background.
type Pool struct {
	cfg    Config
	client *http.Client
	logger *log.Logger

	mu      sync.Mutex
	proxies []spyglass.Proxy
}

// New creates a Pool. Call Load before GetRandom.
func New(cfg Config) *Pool {
	transport := rehttp.NewTransport(
		&http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		rehttp.RetryAll(rehttp.RetryMaxRetries(2), rehttp.RetryTemporaryErr()),
		rehttp.ExpJitterDelay(500*time.Millisecond, 5*time.Second),
	)
	return &Pool{
		cfg:    cfg,
		client: &http.Client{Transport: transport, Timeout: cfg.VerifyTimeout},
		logger: log.New(os.Stderr, "proxypool: ", log.LstdFlags),
	}
}

// Load fetches candidates from the provider and keeps only those that pass
// validation, up to cfg.MaxProxies.
func (p *Pool) Load() error {
	candidates, err := p.fetchCandidates()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	results := make(chan spyglass.Proxy, len(candidates))
	for _, c := range candidates {
		wg.Add(1)
		go func(c spyglass.Proxy) {
			defer wg.Done()
			if p.verify(c) {
				results <- c
			}
		}(c)
	}
	wg.Wait()
	close(results)

	p.mu.Lock()
	defer p.mu.Unlock()
	for proxy := range results {
		p.proxies = append(p.proxies, proxy)
	}
	p.logger.Printf("validated %d/%d proxies", len(p.proxies), len(candidates))
	return nil
}

func (p *Pool) fetchCandidates() ([]spyglass.Proxy, error) {
	resp, err := p.client.Get(p.cfg.ProviderURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 64*1024)
	tmp := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			break
		}
	}

	matches := proxyPattern.FindAllStringSubmatch(string(buf), -1)
	var out []spyglass.Proxy
	for _, m := range matches {
		if len(out) >= p.cfg.MaxProxies {
			break
		}
		protocol, ip, port := m[1], m[2], m[3]
		if len(protocol) >= 5 && protocol[:5] == "socks" {
			continue
		}
		out = append(out, spyglass.Proxy{Protocol: protocol, IP: ip, Port: port})
	}
	return out, nil
}

func (p *Pool) verify(proxy spyglass.Proxy) bool {
	proxyURL, err := url.Parse(proxy.Format())
	if err != nil {
		return false
	}
	transport := &http.Transport{
		Proxy:           http.ProxyURL(proxyURL),
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	client := &http.Client{Transport: transport, Timeout: p.cfg.VerifyTimeout}

	resp, err := client.Get(p.cfg.VerifyURL)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// GetRandom returns a validated proxy, panicking-free empty-pool guard left
// to the caller (an empty pool means use_proxies was set without any
// validated candidate, a Fetch Engine configuration concern).
func (p *Pool) GetRandom() (spyglass.Proxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.proxies) == 0 {
		return spyglass.Proxy{}, false
	}
	return p.proxies[rand.Intn(len(p.proxies))], true
}

// Len reports how many validated proxies are currently held.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}
