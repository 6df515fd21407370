// Package discovery finds a free channel name inside a namespace.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

var ErrExhausted = errors.New("discovery: no free channel name")

// Prober reports whether something is accepting connections on a channel name.
type Prober interface {
	Probe(ctx context.Context, name string) bool
}

// FindOpenSocket probes namespace+"1", namespace+"2", ... one at a time and
// returns the first name nobody answers on. limit bounds the number of probes;
// zero means keep going until ctx is done.
//
// The name is only free at the moment it was probed. Two processes racing for
// the same namespace can both get it; the later Bind wins.
func FindOpenSocket(ctx context.Context, p Prober, namespace string, limit int) (string, error) {
	for i := 1; limit <= 0 || i <= limit; i++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("discovery: %s: %w", namespace, err)
		}
		name := namespace + strconv.Itoa(i)
		if !p.Probe(ctx, name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s1..%s%d are taken", ErrExhausted, namespace, namespace, limit)
}
