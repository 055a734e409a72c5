package agent

import "sync"

// exchange is one prompt/response pair.
type exchange struct {
	Prompt   string
	Response string
}

// history keeps the most recent exchanges per user. Providers rebuild
// their message arrays from it on every call, so the stored form stays
// provider-neutral.
type history struct {
	mu    sync.Mutex
	max   int
	users map[string][]exchange
}

func newHistory(max int) *history {
	return &history{
		max:   max,
		users: make(map[string][]exchange),
	}
}

// snapshot returns a copy of the user's exchanges, oldest first.
func (h *history) snapshot(userID string) []exchange {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]exchange(nil), h.users[userID]...)
}

// record appends one completed exchange and drops the oldest beyond the
// bound.
func (h *history) record(userID, prompt, response string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	exchanges := append(h.users[userID], exchange{Prompt: prompt, Response: response})
	if overflow := len(exchanges) - h.max; overflow > 0 {
		exchanges = append([]exchange(nil), exchanges[overflow:]...)
	}
	h.users[userID] = exchanges
}
