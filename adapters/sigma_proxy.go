package adapters

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/chromedp/chromedp"
)

// Proxy is one authenticated HTTP proxy from the proxy list file.
type Proxy struct {
	Host     string
	Port     string
	User     string
	Password string
}

// ParseProxyLine parses one "ip:port:user:password" line.
func ParseProxyLine(line string) (Proxy, error) {
	parts := strings.Split(strings.TrimSpace(line), ":")
	if len(parts) != 4 {
		return Proxy{}, fmt.Errorf("malformed proxy line: %q", line)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return Proxy{}, fmt.Errorf("malformed proxy line: %q", line)
		}
	}
	return Proxy{Host: parts[0], Port: parts[1], User: parts[2], Password: parts[3]}, nil
}

// LoadProxies reads the proxy list file, skipping blank and malformed lines.
func LoadProxies(path string) ([]Proxy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var proxies []Proxy
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		proxy, err := ParseProxyLine(line)
		if err != nil {
			continue
		}
		proxies = append(proxies, proxy)
	}
	if len(proxies) == 0 {
		return nil, fmt.Errorf("no usable proxies in %s", path)
	}
	return proxies, nil
}

// PickProxy returns a random proxy from the list.
func PickProxy(proxies []Proxy) Proxy {
	return proxies[rand.Intn(len(proxies))]
}

const proxyManifest = `{
  "manifest_version": 2,
  "name": "Upstream Proxy",
  "version": "1.0.0",
  "permissions": ["proxy", "webRequest", "webRequestBlocking", "<all_urls>"],
  "background": {"scripts": ["background.js"]}
}`

const proxyBackgroundTemplate = `const config = {
  mode: "fixed_servers",
  rules: {
    singleProxy: {scheme: "http", host: "%s", port: %s},
    bypassList: ["localhost"]
  }
};
chrome.proxy.settings.set({value: config, scope: "regular"}, function() {});
chrome.webRequest.onAuthRequired.addListener(
  function() {
    return {authCredentials: {username: "%s", password: "%s"}};
  },
  {urls: ["<all_urls>"]},
  ["blocking"]
);`

// BuildProxyExtension templates the manifest and background script into a
// temporary directory and returns the chromedp options that load it. The
// caller removes the directory once the browser has started.
func BuildProxyExtension(proxy Proxy) (string, []chromedp.ExecAllocatorOption, error) {
	dir, err := os.MkdirTemp("", "proxy-ext-*")
	if err != nil {
		return "", nil, err
	}

	background := fmt.Sprintf(proxyBackgroundTemplate, proxy.Host, proxy.Port, proxy.User, proxy.Password)
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(proxyManifest), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "background.js"), []byte(background), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", nil, err
	}

	opts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("disable-extensions-except", dir),
		chromedp.Flag("load-extension", dir),
	}
	return dir, opts, nil
}
