package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-sync/internal/client"
	"github.com/example/ride-sync/internal/conn"
	"github.com/example/ride-sync/internal/models"
)

type fakeCommander struct {
	calls []string
	req   models.RideRequest
	chat  string
}

func (f *fakeCommander) record(c string) { f.calls = append(f.calls, c) }

func (f *fakeCommander) Accept(_ context.Context, id string) error {
	f.record("accept " + id)
	return nil
}
func (f *fakeCommander) Reject(_ context.Context, id string) error {
	f.record("reject " + id)
	return nil
}
func (f *fakeCommander) Start(context.Context) error    { f.record("start"); return nil }
func (f *fakeCommander) Complete(context.Context) error { f.record("complete"); return nil }
func (f *fakeCommander) Cancel(_ context.Context, reason string) error {
	f.record("cancel " + reason)
	return nil
}
func (f *fakeCommander) SendChat(_ context.Context, text string) error {
	f.chat = text
	return nil
}
func (f *fakeCommander) ReportLocation(context.Context, float64, float64) (bool, error) {
	f.record("loc")
	return true, nil
}
func (f *fakeCommander) RequestRide(_ context.Context, req models.RideRequest) (models.Ride, error) {
	f.req = req
	return models.Ride{ID: "r1", Status: models.StatusRequested}, nil
}
func (f *fakeCommander) SetAvailability(_ context.Context, available bool) error {
	if available {
		f.record("online")
	} else {
		f.record("offline")
	}
	return nil
}
func (f *fakeCommander) Ride(context.Context) (models.Ride, bool, error) {
	return models.Ride{}, false, nil
}
func (f *fakeCommander) Queue(context.Context) ([]models.RequestQueueEntry, error) {
	return []models.RequestQueueEntry{{Ride: models.Ride{ID: "r1"}}}, nil
}

func results(t *testing.T, out *bytes.Buffer) []result {
	t.Helper()
	var rs []result
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		var r result
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		rs = append(rs, r)
	}
	return rs
}

func TestDriverCommands(t *testing.T) {
	f := &fakeCommander{}
	var out bytes.Buffer
	r := &repl{cmds: f, role: models.RoleDriver, out: newPrinter(&out)}

	input := "online\naccept r1\n\nreject r2\nstart\ncomplete\nloc 1.5 2.5\nchat  on my way \nrequest 0 0 1 1 10\naccept\n"
	require.NoError(t, r.run(context.Background(), strings.NewReader(input)))

	assert.Equal(t, []string{"online", "accept r1", "reject r2", "start", "complete", "loc"}, f.calls)
	assert.Equal(t, "on my way", f.chat)

	rs := results(t, &out)
	require.Len(t, rs, 9)
	assert.True(t, rs[0].OK)
	assert.False(t, rs[7].OK, "riders only")
	assert.Contains(t, rs[7].Error, "unknown command")
	assert.False(t, rs[8].OK)
	assert.Contains(t, rs[8].Error, "usage")
}

func TestRiderCommands(t *testing.T) {
	f := &fakeCommander{}
	var out bytes.Buffer
	r := &repl{cmds: f, role: models.RoleRider, out: newPrinter(&out)}

	require.NoError(t, r.run(context.Background(), strings.NewReader("request 1 2 3 4 12.5\nrequest 1 2\naccept r1\ncancel changed plans\n")))

	assert.Equal(t, models.RideRequest{Origin: models.Coord{Lat: 1, Lon: 2}, Destination: models.Coord{Lat: 3, Lon: 4}, Fare: 12.5}, f.req)
	assert.Equal(t, []string{"cancel changed plans"}, f.calls)

	rs := results(t, &out)
	require.Len(t, rs, 4)
	assert.True(t, rs[0].OK)
	assert.False(t, rs[1].OK)
	assert.False(t, rs[2].OK)
	assert.True(t, rs[3].OK)
}

func TestPrinterRendersUpdates(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)
	p.update(client.Update{Kind: client.UpdateOffline, Connection: conn.StateOffline, Err: errors.New("gone")})
	p.update(client.Update{Kind: client.UpdateRideUnavailable, RideID: "r1"})

	var first, second updateView
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "offline", first.Kind)
	assert.Equal(t, conn.StateOffline.String(), first.Connection)
	assert.Equal(t, "gone", first.Error)
	assert.Equal(t, "ride-unavailable", second.Kind)
	assert.Equal(t, "r1", second.RideID)
	assert.Empty(t, second.Connection)
}
