package api

// AnonymousAuthResponse carries the bearer credential and its lifetime in seconds.
type AnonymousAuthResponse struct {
	JWT       string `json:"jwt"`
	ExpiresIn int    `json:"expires_in"`
}

// Balance is the preflight view of an account's token budget.
// Every field is optional so newer servers can add or drop fields freely.
type Balance struct {
	MonthKey        *string `json:"monthKey,omitempty"`
	TokensQuota     *int    `json:"tokensQuota,omitempty"`
	TokensUsed      *int    `json:"tokensUsed,omitempty"`
	BoostersBalance *int    `json:"boostersBalance,omitempty"`
}

// Remaining returns max(0, quota-used) + boosters. The second value is false
// when quota or used is missing, in which case the remainder is unknown rather than zero.
func (b *Balance) Remaining() (int, bool) {
	if b == nil || b.TokensQuota == nil || b.TokensUsed == nil {
		return 0, false
	}
	left := *b.TokensQuota - *b.TokensUsed
	if left < 0 {
		left = 0
	}
	if b.BoostersBalance != nil && *b.BoostersBalance > 0 {
		left += *b.BoostersBalance
	}
	return left, true
}

// ErrorResponse is the JSON error body returned by the proxy.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}
