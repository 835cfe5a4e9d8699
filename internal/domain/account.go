package domain

type Account struct {
	ID          string `toml:"id" json:"id"`
	Email       string `toml:"email" json:"email"`
	Provider    string `toml:"provider" json:"provider"`
	DisplayName string `toml:"display_name" json:"display_name,omitempty"`
	BaseURL     string `toml:"base_url" json:"base_url,omitempty"`
}

// Setting is a per-account preference row.
type Setting struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	Value     string `json:"value"`
}
