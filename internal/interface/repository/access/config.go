package access

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// blockList はブロックリストファイルの形式
type blockList struct {
	BlockedIPs     []string `yaml:"blocked_ips"`
	BlockedDomains []string `yaml:"blocked_domains"`
}

// rules は正規化済みのブロック規則
type rules struct {
	ips      map[string]bool
	prefixes []netip.Prefix
	domains  map[string]bool
}

func loadBlockList(path string) (*blockList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read block list: %w", err)
	}

	var list blockList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse block list: %w", err)
	}
	return &list, nil
}

// prepare は設定データを正規化する
// "10.0.0.0/8" のような CIDR 表記は範囲として扱う.
func (c *blockList) prepare() (*rules, error) {
	r := &rules{
		ips:     make(map[string]bool),
		domains: make(map[string]bool),
	}

	for _, ip := range c.BlockedIPs {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		if strings.Contains(ip, "/") {
			prefix, err := netip.ParsePrefix(ip)
			if err != nil {
				return nil, fmt.Errorf("invalid blocked ip range %q: %w", ip, err)
			}
			r.prefixes = append(r.prefixes, prefix.Masked())
			continue
		}
		r.ips[ip] = true
	}

	for _, domain := range c.BlockedDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" {
			r.domains[domain] = true
		}
	}

	return r, nil
}

func (r *rules) blocksIP(clientIP string) bool {
	if r.ips[clientIP] {
		return true
	}
	if len(r.prefixes) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range r.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// blockingDomain は host に一致する規則を返す. 一致しなければ空文字列.
func (r *rules) blockingDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if r.domains[host] {
		return host
	}

	// ワイルドカードドメインのチェック
	parts := strings.Split(host, ".")
	for i := 0; i < len(parts)-1; i++ {
		wildcard := "*." + strings.Join(parts[i+1:], ".")
		if r.domains[wildcard] {
			return wildcard
		}
	}
	return ""
}
