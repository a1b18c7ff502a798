package models

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

type Page struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Normalize clamps the page into the accepted range.
func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}
