package recipient

import (
	"strings"

	"github.com/znz-systems/relaywarm/internal/models"
)

// FallbackClass collects recipients whose domain matches no configured class.
const FallbackClass = "other"

// Classifier maps a recipient address to its mailbox-provider class.
type Classifier struct {
	byDomain map[string]string
}

func NewClassifier(classes []models.RecipientClass) *Classifier {
	c := &Classifier{byDomain: make(map[string]string)}
	for _, class := range classes {
		if !class.Active {
			continue
		}
		for _, d := range class.Domains {
			d = normalizeDomain(d)
			if d == "" {
				continue
			}
			if _, taken := c.byDomain[d]; !taken {
				c.byDomain[d] = class.Key
			}
		}
	}
	return c
}

// Classify returns the class key for address, or FallbackClass.
func (c *Classifier) Classify(address string) string {
	_, domain := SplitAddress(address)
	if domain == "" {
		return FallbackClass
	}
	for d := domain; d != ""; {
		if key, ok := c.byDomain[d]; ok {
			return key
		}
		// subdomains fall back to their parent, e.g. mail.yahoo.com
		i := strings.IndexByte(d, '.')
		if i < 0 {
			break
		}
		d = d[i+1:]
	}
	return FallbackClass
}

// SplitAddress strips an optional display name and angle brackets and
// returns the local part and the lowercased domain. Malformed input yields
// two empty strings.
func SplitAddress(address string) (local, domain string) {
	address = strings.TrimSpace(address)
	if i := strings.LastIndexByte(address, '<'); i >= 0 {
		address = address[i+1:]
		if j := strings.IndexByte(address, '>'); j >= 0 {
			address = address[:j]
		}
	}
	address = strings.Trim(strings.TrimSpace(address), "<>")

	at := strings.LastIndexByte(address, '@')
	if at <= 0 || at == len(address)-1 {
		return "", ""
	}
	return address[:at], normalizeDomain(address[at+1:])
}

func normalizeDomain(d string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
}
