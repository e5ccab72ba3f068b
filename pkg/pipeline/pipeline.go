// Copyright 2025 zkroll
//
// Pipeline Fabric (spec §5, component C10). Every component runs as an
// independent goroutine connected to its neighbors by bounded, typed
// channels — there are no cyclic references between components. This
// package supervises that set of goroutines, reports each one's status,
// and coordinates shutdown: when any component fails or the process is
// asked to stop, components are cancelled tier by tier, upstream
// producers first, and each tier is drained before its downstream
// consumers are torn down, so buffered work in flight is not silently
// dropped.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// NewBounded constructs a bounded, typed channel for wiring two
// components together. Capacity is the backpressure point the spec
// calls for: a full channel blocks its producer rather than growing
// without bound.
func NewBounded[T any](capacity int) chan T {
	return make(chan T, capacity)
}

// CloseWhenDone closes ch once done is closed, letting a downstream
// consumer observe channel closure (and drain any buffered sends)
// exactly when its upstream producer has actually stopped, rather than
// racing a best-effort close against in-flight sends.
func CloseWhenDone[T any](ch chan T, done <-chan struct{}) {
	go func() {
		<-done
		close(ch)
	}()
}

// Status reports one component's current supervision state.
type Status struct {
	Name    string
	Running bool
	Err     error
}

// Component is one independently-running unit of the fabric.
type Component struct {
	Name string
	Run  func(ctx context.Context) error
}

type tieredComponent struct {
	Component
	tier int
}

// Fabric supervises a set of components, reports their status, and
// fans every component's terminal error into one shutdown decision.
//
// Components registered at different tiers are shut down in stages: a
// tier's context is only cancelled once every component in the tier
// below it has returned, so a downstream component can drain whatever
// its upstream already queued — and persist it — before being asked to
// stop itself, rather than every component being cancelled in the same
// instant.
type Fabric struct {
	mu         sync.Mutex
	components []tieredComponent
	statuses   map[string]*Status
	tierDone   map[int]chan struct{}
	logger     *log.Logger
}

// New constructs an empty Fabric.
func New() *Fabric {
	return &Fabric{
		statuses: make(map[string]*Status),
		tierDone: make(map[int]chan struct{}),
		logger:   log.New(os.Stderr, "[pipeline] ", log.LstdFlags),
	}
}

// Register adds a component to tier 0, the fabric's default tier. Use
// RegisterTier for a component whose shutdown must wait on an earlier
// tier draining first. Components must be registered before Run is
// called.
func (f *Fabric) Register(name string, run func(ctx context.Context) error) {
	f.RegisterTier(0, name, run)
}

// RegisterTier adds a component to tier. Lower-numbered tiers are
// cancelled first on shutdown; a component's context is cancelled only
// once every component in the tier below it has returned. Components
// must be registered before Run is called.
func (f *Fabric) RegisterTier(tier int, name string, run func(ctx context.Context) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.components = append(f.components, tieredComponent{Component{Name: name, Run: run}, tier})
	f.statuses[name] = &Status{Name: name}
}

// TierDone returns a channel that closes once every component
// registered at tier has returned. Callers wire it into CloseWhenDone
// for the channel that tier feeds, so the next tier's consumer observes
// closure only once its producer has actually stopped. Safe to call
// before or after Run.
func (f *Fabric) TierDone(tier int) <-chan struct{} {
	return f.tierDoneChanLocked(tier)
}

func (f *Fabric) tierDoneChanLocked(tier int) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.tierDone[tier]
	if !ok {
		ch = make(chan struct{})
		f.tierDone[tier] = ch
	}
	return ch
}

// Statuses returns a snapshot of every registered component's state.
func (f *Fabric) Statuses() []Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Status, 0, len(f.statuses))
	for _, name := range f.orderedNamesLocked() {
		out = append(out, *f.statuses[name])
	}
	return out
}

func (f *Fabric) orderedNamesLocked() []string {
	names := make([]string, 0, len(f.components))
	for _, c := range f.components {
		names = append(names, c.Name)
	}
	return names
}

func (f *Fabric) componentsByTier() (tiers []int, byTier map[int][]Component) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byTier = make(map[int][]Component)
	for _, tc := range f.components {
		byTier[tc.tier] = append(byTier[tc.tier], tc.Component)
	}
	for t := range byTier {
		tiers = append(tiers, t)
	}
	sort.Ints(tiers)
	return tiers, byTier
}

func (f *Fabric) setStatus(name string, running bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[name] = &Status{Name: name, Running: running, Err: err}
}

// Run starts every registered component under a shared errgroup: if any
// component returns a non-nil error, the whole fabric unwinds, and Run
// returns once every component has stopped. A component returning
// context.Canceled on ordinary shutdown is not treated as a failure.
//
// Shutdown is staged by tier: tier 0 shares the errgroup's own context,
// cancelled directly by ctx or by any component's failure. Tier N+1's
// context is only cancelled once every tier-N component has returned,
// so a downstream tier can finish draining its input channel (closed
// via CloseWhenDone once the upstream tier is done) and persist
// whatever was already in flight before it is asked to stop.
func (f *Fabric) Run(ctx context.Context) error {
	tiers, byTier := f.componentsByTier()

	g, gctx := errgroup.WithContext(ctx)
	tierCtx := gctx

	for i, tier := range tiers {
		tier := tier
		comps := byTier[tier]
		runCtx := tierCtx

		var wg sync.WaitGroup
		wg.Add(len(comps))
		for _, c := range comps {
			c := c
			f.setStatus(c.Name, true, nil)
			g.Go(func() error {
				defer wg.Done()
				err := c.Run(runCtx)
				if err != nil && err != context.Canceled {
					f.setStatus(c.Name, false, err)
					f.logger.Printf("component %q stopped with error: %v", c.Name, err)
					return fmt.Errorf("%s: %w", c.Name, err)
				}
				f.setStatus(c.Name, false, nil)
				return nil
			})
		}

		tierDone := f.tierDoneChanLocked(tier)
		go func() {
			wg.Wait()
			close(tierDone)
		}()

		if i == len(tiers)-1 {
			break
		}
		nextCtx, cancelNext := context.WithCancel(context.Background())
		go func() {
			<-runCtx.Done()
			wg.Wait()
			cancelNext()
		}()
		tierCtx = nextCtx
	}

	return g.Wait()
}
