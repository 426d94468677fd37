package xfr

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/time/rate"
)

// NotifyMaxNum bounds how many times one destination is re-notified.
const NotifyMaxNum = 5

// NotifyRetryTimeout is the spacing between retries to one destination.
const NotifyRetryTimeout = 15 * time.Second

// Notifier sends outgoing NOTIFY to a zone's downstream ACL and retries
// unanswered ones.
type Notifier struct {
	client *dns.Client
}

// NewNotifier returns a Notifier using client.Timeout as the per-attempt
// deadline; pass a *dns.Client configured the same way as the rest of the
// XFR engine's UDP traffic.
func NewNotifier(client *dns.Client) *Notifier {
	return &Notifier{client: client}
}

// Send notifies one downstream address with zoneName/serial, retrying up
// to NotifyMaxNum times at NotifyRetryTimeout apart until it gets a
// matching-id reply with QR=1 AA=1 RCODE=NOERROR (NOTIMP also counts as
// success). It returns nil once acknowledged, or the last error after
// exhausting retries.
func (n *Notifier) Send(ctx context.Context, addr, zoneName string, soa *dns.SOA) error {
	m := new(dns.Msg)
	m.SetNotify(zoneName)
	m.Answer = []dns.RR{soa}

	// Paces this destination's own retries at one attempt per
	// NotifyRetryTimeout; each destination in SendAll gets its own
	// limiter so a slow/unreachable one never throttles the others.
	limiter := rate.NewLimiter(rate.Every(NotifyRetryTimeout), 1)

	var lastErr error
	for attempt := 0; attempt <= NotifyMaxNum; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		reply, _, err := n.client.ExchangeContext(ctx, m, addr)
		if err == nil && reply.Id == m.Id && reply.Response && reply.Authoritative {
			if reply.Rcode == dns.RcodeSuccess || reply.Rcode == dns.RcodeNotImplemented {
				return nil
			}
			lastErr = fmt.Errorf("xfr: notify %s rejected, rcode=%d", addr, reply.Rcode)
		} else if err != nil {
			lastErr = fmt.Errorf("xfr: notify %s: %w", addr, err)
		} else {
			lastErr = fmt.Errorf("xfr: notify %s: unexpected reply", addr)
		}
	}
	return lastErr
}

// SendAll notifies every address in acl concurrently; all sends run to
// completion so a slow/unreachable downstream doesn't block the others
// from being notified.
func (n *Notifier) SendAll(ctx context.Context, acl []string, zoneName string, soa *dns.SOA) []error {
	errs := make([]error, len(acl))
	done := make(chan struct{}, len(acl))
	for i, addr := range acl {
		go func(i int, addr string) {
			errs[i] = n.Send(ctx, addr, zoneName, soa)
			done <- struct{}{}
		}(i, addr)
	}
	for range acl {
		<-done
	}
	return errs
}
