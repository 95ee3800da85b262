package session

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Rotator hands out proxies round-robin.
type Rotator struct {
	mu      sync.Mutex
	proxies []string
	next    int
}

func NewRotator(proxies []string) *Rotator {
	return &Rotator{proxies: append([]string(nil), proxies...)}
}

// Next returns the next proxy, or false when the list is empty.
func (r *Rotator) Next() (string, bool) {
	if r == nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.proxies) == 0 {
		return "", false
	}
	p := r.proxies[r.next%len(r.proxies)]
	r.next = (r.next + 1) % len(r.proxies)
	return p, true
}

func (r *Rotator) Len() int {
	if r == nil {
		return 0
	}
	return len(r.proxies)
}

// LoadProxies reads one proxy per line; blank lines and # comments are skipped.
// Entries without a scheme are taken as http proxies.
func LoadProxies(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("proxy list: %w", err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.Contains(line, "://") {
			line = "http://" + line
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("proxy list: %w", err)
	}
	return out, nil
}
