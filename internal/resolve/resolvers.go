package resolve

import (
	"bufio"
	"os"
	"strings"
)

// FallbackResolvers are used when the system configuration lists none.
var FallbackResolvers = []string{
	"1.1.1.1",
	"8.8.8.8",
}

func SystemResolvers() ([]string, error) {
	resolvers, err := loadResolvers("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}
	if len(resolvers) == 0 {
		return append([]string{}, FallbackResolvers...), nil
	}
	return uniqueResolvers(resolvers), nil
}

func loadResolvers(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	resolvers := []string{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 && strings.EqualFold(fields[0], "nameserver") {
			resolvers = append(resolvers, fields[1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return resolvers, nil
}

func uniqueResolvers(resolvers []string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, resolver := range resolvers {
		key := strings.ToLower(strings.TrimSpace(resolver))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(resolver))
	}
	return out
}
