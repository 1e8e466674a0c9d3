package api

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/nerrad567/microscope-core/internal/auth"
)

// ticketTTL bounds the gap between POST /auth/ws-ticket and the upgrade.
const ticketTTL = time.Minute

// ticketStore hands out single-use WebSocket tickets, so the access token
// never appears in a URL.
type ticketStore struct {
	mu      sync.Mutex
	tickets map[string]ticketHolder
	now     func() time.Time
}

type ticketHolder struct {
	userID  string
	role    auth.Role
	expires time.Time
}

func newTicketStore() *ticketStore {
	return &ticketStore{tickets: make(map[string]ticketHolder), now: time.Now}
}

func (t *ticketStore) issue(userID string, role auth.Role) string {
	ticket := rand.Text()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.tickets[ticket] = ticketHolder{userID: userID, role: role, expires: t.now().Add(ticketTTL)}
	return ticket
}

// redeem consumes ticket. An expired ticket is consumed too but reported
// invalid.
func (t *ticketStore) redeem(ticket string) (ticketHolder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	holder, ok := t.tickets[ticket]
	delete(t.tickets, ticket)
	if !ok || !t.now().Before(holder.expires) {
		return ticketHolder{}, false
	}
	return holder, true
}

func (t *ticketStore) clean() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for ticket, holder := range t.tickets {
		if !now.Before(holder.expires) {
			delete(t.tickets, ticket)
		}
	}
}

// cleanLoop drops unredeemed tickets once a TTL until ctx is done.
func (t *ticketStore) cleanLoop(ctx context.Context) {
	tick := time.NewTicker(ticketTTL)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.clean()
		}
	}
}
