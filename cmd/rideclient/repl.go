package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/example/ride-sync/internal/client"
	"github.com/example/ride-sync/internal/models"
)

// commander is the part of *client.Session the prompt drives.
type commander interface {
	Accept(ctx context.Context, rideID string) error
	Reject(ctx context.Context, rideID string) error
	Start(ctx context.Context) error
	Complete(ctx context.Context) error
	Cancel(ctx context.Context, reason string) error
	SendChat(ctx context.Context, text string) error
	ReportLocation(ctx context.Context, lat, lon float64) (bool, error)
	RequestRide(ctx context.Context, req models.RideRequest) (models.Ride, error)
	SetAvailability(ctx context.Context, available bool) error
	Ride(ctx context.Context) (models.Ride, bool, error)
	Queue(ctx context.Context) ([]models.RequestQueueEntry, error)
}

var errUsage = errors.New("usage")

// printer writes one JSON document per line. Session updates arrive on the
// session goroutine while command results come from the prompt.
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newPrinter(w io.Writer) *printer { return &printer{enc: json.NewEncoder(w)} }

func (p *printer) print(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(v)
}

type updateView struct {
	Kind         string                       `json:"kind"`
	RideID       string                       `json:"rideId,omitempty"`
	Ride         *models.Ride                 `json:"ride,omitempty"`
	Queue        []models.RequestQueueEntry   `json:"queue,omitempty"`
	ExpiringSoon []string                     `json:"expiringSoon,omitempty"`
	Location     *models.DriverLocationSample `json:"location,omitempty"`
	Chat         []models.ChatMessage         `json:"chat,omitempty"`
	Connection   string                       `json:"connection,omitempty"`
	Error        string                       `json:"error,omitempty"`
}

func (p *printer) update(u client.Update) {
	v := updateView{
		Kind:         u.Kind.String(),
		RideID:       u.RideID,
		Ride:         u.Ride,
		Queue:        u.Queue,
		ExpiringSoon: u.ExpiringSoon,
		Location:     u.Location,
		Chat:         u.Chat,
	}
	if u.Kind == client.UpdateConnection || u.Kind == client.UpdateOffline {
		v.Connection = u.Connection.String()
	}
	if u.Err != nil {
		v.Error = u.Err.Error()
	}
	p.print(v)
}

type result struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Result  any    `json:"result,omitempty"`
}

type repl struct {
	cmds commander
	role models.Role
	out  *printer
}

// run executes one command per input line until the input ends or ctx is
// done.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			r.exec(ctx, line)
		}
	}
}

func (r *repl) exec(ctx context.Context, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	name, args := fields[0], fields[1:]
	out, err := r.dispatch(ctx, name, args, line)
	res := result{Command: name, OK: err == nil, Result: out}
	if err != nil {
		res.Error = err.Error()
	}
	r.out.print(res)
}

func (r *repl) dispatch(ctx context.Context, name string, args []string, line string) (any, error) {
	switch name {
	case "ride":
		ride, ok, err := r.cmds.Ride(ctx)
		if err != nil || !ok {
			return nil, err
		}
		return ride, nil
	case "cancel":
		return nil, r.cmds.Cancel(ctx, strings.Join(args, " "))
	case "chat":
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), name))
		if text == "" {
			return nil, fmt.Errorf("%w: chat <message>", errUsage)
		}
		return nil, r.cmds.SendChat(ctx, text)
	}

	if r.role == models.RoleRider {
		if name != "request" {
			return nil, fmt.Errorf("unknown command %q", name)
		}
		f, err := floats(args, 5)
		if err != nil {
			return nil, fmt.Errorf("%w: request <origin-lat> <origin-lon> <dest-lat> <dest-lon> <fare>", err)
		}
		return r.cmds.RequestRide(ctx, models.RideRequest{
			Origin:      models.Coord{Lat: f[0], Lon: f[1]},
			Destination: models.Coord{Lat: f[2], Lon: f[3]},
			Fare:        f[4],
		})
	}

	switch name {
	case "queue":
		return r.cmds.Queue(ctx)
	case "accept", "reject":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: %s <ride-id>", errUsage, name)
		}
		if name == "accept" {
			return nil, r.cmds.Accept(ctx, args[0])
		}
		return nil, r.cmds.Reject(ctx, args[0])
	case "start":
		return nil, r.cmds.Start(ctx)
	case "complete":
		return nil, r.cmds.Complete(ctx)
	case "online", "offline":
		return nil, r.cmds.SetAvailability(ctx, name == "online")
	case "loc":
		f, err := floats(args, 2)
		if err != nil {
			return nil, fmt.Errorf("%w: loc <lat> <lon>", err)
		}
		sent, err := r.cmds.ReportLocation(ctx, f[0], f[1])
		return map[string]bool{"sent": sent}, err
	}
	return nil, fmt.Errorf("unknown command %q", name)
}

func floats(args []string, n int) ([]float64, error) {
	if len(args) != n {
		return nil, errUsage
	}
	out := make([]float64, n)
	for i, a := range args {
		f, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, errUsage
		}
		out[i] = f
	}
	return out, nil
}
