package dispatcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"bdmd/pkg/database"
	"bdmd/pkg/probe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var arrival = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

type fakeBlacklist struct {
	listed map[string]bool
	err    error
	calls  int
}

func (f *fakeBlacklist) IsBlacklisted(_ context.Context, id string) (bool, error) {
	f.calls++
	return f.listed[id], f.err
}

type fakeHandlers struct {
	calls   []string
	reply   probe.Reply
	err     error
	blockOn string
}

func (f *fakeHandlers) HandlePing(ctx context.Context, req *probe.Request) (probe.Reply, error) {
	return f.run(ctx, "ping")
}

func (f *fakeHandlers) Ingest(ctx context.Context, req *probe.Request) error {
	_, err := f.run(ctx, "log")
	return err
}

func (f *fakeHandlers) Schedule(ctx context.Context, req *probe.Request) (probe.Reply, error) {
	return f.run(ctx, "measure")
}

func (f *fakeHandlers) run(ctx context.Context, name string) (probe.Reply, error) {
	f.calls = append(f.calls, name)
	if f.blockOn == name {
		<-ctx.Done()
		return probe.Reply{}, fmt.Errorf("%s: %w", name, ctx.Err())
	}
	return f.reply, f.err
}

func newDispatcher(bl *fakeBlacklist, h *fakeHandlers) *Dispatcher {
	return New(bl, h, h, h, nil, nil)
}

func TestHandleRoutesByCommand(t *testing.T) {
	tests := []struct {
		input     string
		wantCall  string
		wantReply string
	}{
		{"OW0123456789AB ping v1.2.3", "ping", "from handler"},
		{"OW0123456789AB log DHCP lease renewed", "log", ""},
		{"OW0123456789AB measure Bismark PING NorthAm 30", "measure", "from handler"},
	}

	for _, tt := range tests {
		t.Run(tt.wantCall, func(t *testing.T) {
			h := &fakeHandlers{reply: probe.Reply{Payload: "from handler"}}
			res := newDispatcher(&fakeBlacklist{}, h).Handle(context.Background(), []byte(tt.input), "192.0.2.7", arrival, nil)

			assert.Equal(t, StateReplied, res.State)
			assert.Equal(t, []string{tt.wantCall}, h.calls)
			assert.Equal(t, tt.wantReply, res.Reply.Payload)
			assert.NoError(t, res.Err)
		})
	}
}

func TestHandleEcho(t *testing.T) {
	h := &fakeHandlers{}
	res := newDispatcher(&fakeBlacklist{}, h).Handle(context.Background(), []byte("OW0123456789AB echo hello world"), "192.0.2.7", arrival, nil)

	assert.Equal(t, StateReplied, res.State)
	assert.Equal(t, "echo_reply: 'OW0123456789AB echo hello'", res.Reply.Payload)
	assert.Empty(t, h.calls)
}

func TestHandleMalformedSkipsStore(t *testing.T) {
	bl := &fakeBlacklist{}
	h := &fakeHandlers{}
	d := newDispatcher(bl, h)

	for _, input := range []string{"", "OW0123456789AB", "OW0123456789AB ping", "  \n"} {
		res := d.Handle(context.Background(), []byte(input), "192.0.2.7", arrival, nil)
		assert.Equal(t, StateDropped, res.State)
		assert.Equal(t, ReasonMalformed, res.Reason)
		assert.ErrorIs(t, res.Err, probe.ErrMalformedRequest)
		assert.True(t, res.Reply.Empty())
	}
	assert.Zero(t, bl.calls)
	assert.Empty(t, h.calls)
}

func TestHandleBlacklistedIsSilent(t *testing.T) {
	bl := &fakeBlacklist{listed: map[string]bool{"OW0123456789AB": true}}
	h := &fakeHandlers{reply: probe.Reply{Payload: "never"}}
	d := newDispatcher(bl, h)

	for _, cmd := range []string{"ping v1", "log DHCP x", "measure Bismark PING NorthAm 30", "echo hi", "bogus x"} {
		res := d.Handle(context.Background(), []byte("OW0123456789AB "+cmd), "192.0.2.7", arrival, nil)
		assert.Equal(t, StateDropped, res.State)
		assert.Equal(t, ReasonBlacklisted, res.Reason)
		assert.NoError(t, res.Err)
		assert.True(t, res.Reply.Empty())
	}
	assert.Empty(t, h.calls)
}

func TestHandleUnknownCommand(t *testing.T) {
	h := &fakeHandlers{}
	res := newDispatcher(&fakeBlacklist{}, h).Handle(context.Background(), []byte("OW0123456789AB reboot now"), "192.0.2.7", arrival, nil)

	assert.Equal(t, StateDropped, res.State)
	assert.Equal(t, ReasonUnknownCommand, res.Reason)
	assert.True(t, res.Reply.Empty())
}

func TestHandleErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		blErr      error
		handlerErr error
		wantReason string
	}{
		{
			name:       "blacklist store failure",
			input:      "OW0123456789AB ping v1",
			blErr:      fmt.Errorf("checking blacklist: %w", database.ErrStoreUnavailable),
			wantReason: ReasonStoreError,
		},
		{
			name:       "scheduler store failure",
			input:      "OW0123456789AB measure Bismark PING NorthAm 30",
			handlerErr: fmt.Errorf("reserving target: %w", database.ErrStoreUnavailable),
			wantReason: ReasonStoreError,
		},
		{
			name:       "bad measurement",
			input:      "OW0123456789AB measure Bismark PING",
			handlerErr: fmt.Errorf("%w: expected 4 fields", probe.ErrMalformedMeasurementRequest),
			wantReason: ReasonMalformedMeasurement,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &fakeHandlers{reply: probe.Reply{Payload: "x"}, err: tt.handlerErr}
			res := newDispatcher(&fakeBlacklist{err: tt.blErr}, h).Handle(context.Background(), []byte(tt.input), "192.0.2.7", arrival, nil)

			assert.Equal(t, StateDropped, res.State)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Error(t, res.Err)
			assert.True(t, res.Reply.Empty())
		})
	}
}

func TestHandleTimeout(t *testing.T) {
	h := &fakeHandlers{blockOn: "measure"}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := newDispatcher(&fakeBlacklist{}, h).Handle(ctx, []byte("OW0123456789AB measure Bismark PING NorthAm 30"), "192.0.2.7", arrival, nil)

	require.Equal(t, StateDropped, res.State)
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.True(t, res.Reply.Empty())
}
