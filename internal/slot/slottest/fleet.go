package slottest

import (
	"strconv"
	"time"

	"github.com/loykin/joinkeeper/internal/oracle"
	"github.com/loykin/joinkeeper/internal/process"
	"github.com/loykin/joinkeeper/internal/script"
)

// Script names used by the simulated fleet.
const (
	ConnectScript     = "f8connect.ahk"
	DetachScript      = "f8close.ahk"
	InstrumentScript  = "devtools.ahk"
	MaintenanceScript = "collectgarbage.ahk"
)

// Client describes how one slot's client behaves once launched.
type Client struct {
	Slot       string
	Identity   string
	Primary    string // e.g. FiveM.exe
	Secondary  string // observed name, may carry a build suffix
	Instrument string // process opened by the instrumentation script
}

// Fleet wires launch and script behavior for a set of clients. Delays are
// measured on the world clock.
type Fleet struct {
	LaunchDelay  time.Duration // launch until both processes exist
	ConnectDelay time.Duration // connect script until Connecting
	LoadDelay    time.Duration // Connecting until Joined
	Linger       time.Duration // session stays on the server after the client dies

	// Faults; all default to healthy.
	NeverSpawn       bool  // launch produces nothing
	NeverConnect     bool  // connect script has no effect
	DropWhileLoad    bool  // session disappears instead of joining
	NoInstrument     bool  // instrumentation script opens nothing
	ConnectScriptErr error // returned by the connect script

	clients map[string]Client // by slot
	bySec   map[int]Client    // by secondary pid
	byPrim  map[int]Client    // by primary pid
	world   *World
}

// Install registers the fleet's behavior on w.
func (f *Fleet) Install(w *World, clients ...Client) {
	f.world = w
	f.clients = map[string]Client{}
	f.bySec = map[int]Client{}
	f.byPrim = map[int]Client{}
	for _, c := range clients {
		f.clients[c.Slot] = c
	}
	w.OnLaunch = f.launch
	w.Scripts[ConnectScript] = f.connect
	w.Scripts[InstrumentScript] = f.instrument
	w.OnGone = f.gone
}

// gone drops the remote session once the client's primary process dies.
func (f *Fleet) gone(pid int) {
	c, ok := f.byPrim[pid]
	if !ok {
		return
	}
	delete(f.byPrim, pid)
	f.at(f.world, f.Linger, func() { f.world.SetSession(c.Identity, oracle.Absent) })
}

func (f *Fleet) launch(w *World, spec process.LaunchSpec) (int, error) {
	c, ok := f.clients[spec.Name]
	if !ok || f.NeverSpawn {
		return 0, nil
	}
	spawn := func() {
		f.byPrim[w.Spawn(c.Primary)] = c
		f.bySec[w.Spawn(c.Secondary)] = c
	}
	if f.LaunchDelay <= 0 {
		spawn()
		return 0, nil
	}
	w.After(f.LaunchDelay, spawn)
	return 0, nil
}

func (f *Fleet) clientOf(req script.Request) (Client, bool) {
	pid, err := strconv.Atoi(req.Vars["PROCESS_ID"])
	if err != nil {
		return Client{}, false
	}
	c, ok := f.bySec[pid]
	return c, ok
}

func (f *Fleet) connect(w *World, req script.Request) error {
	if f.ConnectScriptErr != nil {
		return f.ConnectScriptErr
	}
	c, ok := f.clientOf(req)
	if !ok || f.NeverConnect {
		return nil
	}
	f.at(w, f.ConnectDelay, func() {
		w.SetSession(c.Identity, oracle.Connecting)
		f.at(w, f.LoadDelay, func() {
			if f.DropWhileLoad {
				w.SetSession(c.Identity, oracle.Absent)
				return
			}
			w.SetSession(c.Identity, oracle.Joined)
		})
	})
	return nil
}

func (f *Fleet) instrument(w *World, req script.Request) error {
	c, ok := f.clientOf(req)
	if !ok || f.NoInstrument || c.Instrument == "" {
		return nil
	}
	w.Spawn(c.Instrument)
	return nil
}

func (f *Fleet) at(w *World, d time.Duration, fn func()) {
	if d <= 0 {
		fn()
		return
	}
	w.After(d, fn)
}
