package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mini-ipc/transport"
)

type takenSet map[string]bool

func (s takenSet) Probe(ctx context.Context, name string) bool {
	return s[name]
}

func TestFindOpenSocket(t *testing.T) {
	tests := []struct {
		name  string
		taken takenSet
		want  string
	}{
		{"empty namespace", takenSet{}, "worker1"},
		{"skips taken names", takenSet{"worker1": true, "worker2": true}, "worker3"},
		{"first gap wins", takenSet{"worker1": true, "worker3": true}, "worker2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindOpenSocket(context.Background(), tt.taken, "worker", 10)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestFindOpenSocketExhausted(t *testing.T) {
	taken := takenSet{"w1": true, "w2": true}
	_, err := FindOpenSocket(context.Background(), taken, "w", 2)
	require.ErrorIs(t, err, ErrExhausted)
}

func TestFindOpenSocketCancelled(t *testing.T) {
	all := allTaken{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := FindOpenSocket(ctx, all, "w", 0)
	require.ErrorIs(t, err, context.Canceled)
}

type allTaken struct{}

func (allTaken) Probe(context.Context, string) bool { return true }

func TestFindOpenSocketOverUnixSockets(t *testing.T) {
	tr := transport.NewUnixTransport(transport.Config{Root: t.TempDir(), DialTimeout: time.Second})

	ep, err := tr.Bind("app1", transport.ObserverFuncs{})
	require.NoError(t, err)
	defer ep.Close()

	name, err := FindOpenSocket(context.Background(), tr, "app", 5)
	require.NoError(t, err)
	require.Equal(t, "app2", name)
}
