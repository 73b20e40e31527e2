package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// DiscoveredBridge is a bridge endpoint found on the LAN.
type DiscoveredBridge struct {
	Instance  string
	HostName  string
	Port      int
	Addresses []string
	Scheme    string
	Path      string
	Version   int
	LastSeen  time.Time
}

// URL returns proto://host:port[/path] for the bridge, preferring an IPv4 address.
func (b DiscoveredBridge) URL() string {
	host := strings.TrimSuffix(b.HostName, ".")
	for _, addr := range b.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			host = addr
			break
		}
	}
	if host == "" && len(b.Addresses) > 0 {
		host = b.Addresses[0]
	}
	return b.Scheme + "://" + net.JoinHostPort(host, strconv.Itoa(b.Port)) + b.Path
}

// Scanner browses mDNS for bridges.
type Scanner struct {
	cfg    Config
	browse browseFunc
}

// Scan browses for one ScanTimeout window and returns bridges sorted by instance.
func (s *Scanner) Scan(ctx context.Context) ([]DiscoveredBridge, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredBridge)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				bridge, ok := parseEntry(entry)
				if !ok {
					continue
				}
				bridge.LastSeen = time.Now()
				collectedMu.Lock()
				collected[bridge.URL()] = bridge
				collectedMu.Unlock()
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		return nil, err
	}

	<-scanCtx.Done()
	<-collectorDone

	// A timeout just means this scan window ended naturally.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	collectedMu.Lock()
	defer collectedMu.Unlock()
	out := make([]DiscoveredBridge, 0, len(collected))
	for _, bridge := range collected {
		out = append(out, bridge)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instance == out[j].Instance {
			return out[i].URL() < out[j].URL()
		}
		return out[i].Instance < out[j].Instance
	})
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry) (DiscoveredBridge, bool) {
	if entry.Port <= 0 {
		return DiscoveredBridge{}, false
	}
	txt := txtToMap(entry.Text)

	scheme := strings.ToLower(strings.TrimSpace(txt["scheme"]))
	if scheme == "" {
		scheme = "https"
	}
	if scheme != "http" && scheme != "https" {
		return DiscoveredBridge{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	path := strings.TrimRight(strings.TrimSpace(txt["path"]), "/")
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	if len(addresses) == 0 && strings.TrimSpace(entry.HostName) == "" {
		return DiscoveredBridge{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}

	return DiscoveredBridge{
		Instance:  name,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
		Scheme:    scheme,
		Path:      path,
		Version:   version,
	}, true
}

func txtToMap(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, record := range records {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(key))] = value
	}
	return out
}
