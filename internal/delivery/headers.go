package delivery

import "strings"

// ParseCustomHeaders reads one "Name: Value" pair per line. Lines without a
// colon or with an empty name are skipped; later duplicates win.
func ParseCustomHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers
}
