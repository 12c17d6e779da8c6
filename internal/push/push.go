// Package push batches device push-tokens and delivers title/body/data
// payloads to the push-notification provider.
//
// Failures are collected per token, never thrown: a malformed or rejected
// token in one chunk must not abort other chunks or other tokens in the
// same chunk.
package push

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"flockcast/pkg/logx"
)

type Config struct {
	BatchSize  int
	RatePerSec int
}

// Message is one provider-bound push payload.
type Message struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Ticket is the per-token outcome of a bulk send.
type Ticket struct {
	Token string
	OK    bool
	ID    string // provider receipt id when OK
	Err   string
}

// Provider delivers one bounded chunk and returns one ticket per message,
// in order. A returned error means the whole chunk failed.
type Provider interface {
	SendChunk(ctx context.Context, msgs []Message) ([]Ticket, error)
}

type Dispatcher struct {
	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	provider Provider
	log      logx.Logger
}

func NewDispatcher(cfg Config, provider Provider, log logx.Logger) *Dispatcher {
	d := &Dispatcher{provider: provider, log: log}
	d.Apply(cfg)
	return d
}

// Apply updates batch size and rate at runtime.
func (d *Dispatcher) Apply(cfg Config) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	d.mu.Unlock()
}

// SendBulk sends one payload to many tokens and returns a ticket per token.
// It never returns an error: provider failures show up on the affected
// tickets only.
func (d *Dispatcher) SendBulk(ctx context.Context, tokens []string, title, body string, data map[string]string) []Ticket {
	d.mu.Lock()
	batch := d.cfg.BatchSize
	lim := d.limiter
	d.mu.Unlock()

	tickets := make([]Ticket, 0, len(tokens))
	valid := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if malformed(t) {
			tickets = append(tickets, Ticket{Token: t, Err: "malformed push token"})
			d.log.Warn("skipping malformed push token")
			continue
		}
		valid = append(valid, t)
	}

	for start := 0; start < len(valid); start += batch {
		end := start + batch
		if end > len(valid) {
			end = len(valid)
		}
		chunk := valid[start:end]

		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				for _, t := range chunk {
					tickets = append(tickets, Ticket{Token: t, Err: err.Error()})
				}
				continue
			}
		}

		msgs := make([]Message, 0, len(chunk))
		for _, t := range chunk {
			msgs = append(msgs, Message{To: t, Title: title, Body: body, Data: data})
		}
		got, err := d.provider.SendChunk(ctx, msgs)
		if err != nil {
			d.log.Warn("push chunk failed", logx.Int("tokens", len(chunk)), logx.Err(err))
			for _, t := range chunk {
				tickets = append(tickets, Ticket{Token: t, Err: err.Error()})
			}
			continue
		}
		for i, t := range chunk {
			if i < len(got) {
				tk := got[i]
				tk.Token = t
				tickets = append(tickets, tk)
			} else {
				tickets = append(tickets, Ticket{Token: t, Err: "no ticket returned"})
			}
		}
	}

	ok := 0
	for _, t := range tickets {
		if t.OK {
			ok++
		}
	}
	d.log.Debug("bulk push finished",
		logx.Int("tokens", len(tokens)),
		logx.Int("ok", ok),
		logx.Int("failed", len(tokens)-ok))
	return tickets
}

// malformed rejects tokens the provider would bounce without trying. The
// provider still gets the final say per token.
func malformed(token string) bool {
	t := strings.TrimSpace(token)
	return t == "" || t != token || strings.ContainsAny(t, " \t\n")
}
