// Package definitions accumulates the definition records of a trace
// (processes, names, parents, groups, communicators) into the lookup
// tables the rest of the engine needs: the process hierarchy, and the
// local-rank-to-global-location resolution used to turn an MPI
// communicator-relative peer rank into a global process.
package definitions

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hpctrace/rawtrace/internal/otfadapter"
)

// ErrDuplicateDefinition is returned when the same process/location ID or
// OTF2 string reference is defined twice.
var ErrDuplicateDefinition = errors.New("definitions: duplicate definition")

// ErrMissingResolution is returned when a communicator-relative local rank
// cannot be resolved to a global location.
var ErrMissingResolution = errors.New("definitions: local rank has no location resolution")

// Process identifies one MPI rank's global location.
type Process int64

// Group identifies a process group or communicator-owning group.
type Group int64

// Info is everything known about one process once definitions have
// finished loading.
type Info struct {
	ID        Process
	Name      string
	ParentID  Process
	HasParent bool
}

// Context accumulates DefSink callbacks and resolves them into a usable
// process table. Construct it with NewContext; the zero value has nil maps
// and is not usable.
type Context struct {
	isOTF2 bool

	order     []Process
	parents   map[Process]Process
	hasParent map[Process]bool
	rawNames  map[Process]string // OTF1: final name. OTF2: "<stringRef> <locationGroup>" pending resolution.

	strings map[int64]string

	groups           map[int64]groupInfo
	commToGroup      map[int64]int64
	mpiLocationGroup int64
	hasMPILocationGroup bool

	localRankToLocation map[localRankKey]Process

	finalized bool
	err       error
}

type groupInfo struct {
	groupType otfadapter.GroupType
	paradigm  otfadapter.Paradigm
	members   []int64 // members[localRank] = worldRank
}

type localRankKey struct {
	comm      int64
	localRank int64
}

// NewContext returns an empty Context.
func NewContext() *Context {
	return &Context{
		parents:             make(map[Process]Process),
		hasParent:           make(map[Process]bool),
		rawNames:            make(map[Process]string),
		strings:             make(map[int64]string),
		groups:              make(map[int64]groupInfo),
		commToGroup:         make(map[int64]int64),
		localRankToLocation: make(map[localRankKey]Process),
	}
}

func (c *Context) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// OTF1Process implements otfadapter.DefSink.
func (c *Context) OTF1Process(id, parent int64, name string) {
	p := Process(id)
	if _, dup := c.rawNames[p]; dup {
		c.fail(fmt.Errorf("%w: process %d defined twice", ErrDuplicateDefinition, id))
		return
	}
	c.order = append(c.order, p)
	c.rawNames[p] = strings.TrimSpace(name)
	if parent != 0 {
		c.parents[p] = Process(parent)
		c.hasParent[p] = true
	}
}

// OTF2Location implements otfadapter.DefSink. The parent is synthesized
// from the location ID's low 32 bits: a location is a root if it equals
// its own low-32-bit mask, otherwise its parent is that masked value.
func (c *Context) OTF2Location(location int64, nameStringRef int64, locationGroup int64) {
	c.isOTF2 = true
	p := Process(location)
	if _, dup := c.rawNames[p]; dup {
		c.fail(fmt.Errorf("%w: location %d defined twice", ErrDuplicateDefinition, location))
		return
	}
	c.order = append(c.order, p)
	c.rawNames[p] = fmt.Sprintf("%d %d", nameStringRef, locationGroup)

	masked := location & 0xffffffff
	if masked != location {
		c.parents[p] = Process(masked)
		c.hasParent[p] = true
	}
}

// OTF2String implements otfadapter.DefSink.
func (c *Context) OTF2String(ref int64, value string) {
	if _, dup := c.strings[ref]; dup {
		c.fail(fmt.Errorf("%w: string %d defined twice", ErrDuplicateDefinition, ref))
		return
	}
	c.strings[ref] = value
}

// OTF2Group implements otfadapter.DefSink.
func (c *Context) OTF2Group(ref int64, groupType otfadapter.GroupType, paradigm otfadapter.Paradigm, members []int64) {
	cp := make([]int64, len(members))
	copy(cp, members)
	c.groups[ref] = groupInfo{groupType: groupType, paradigm: paradigm, members: cp}

	if groupType == otfadapter.GroupTypeCommLocations && paradigm == otfadapter.ParadigmMPI {
		if c.hasMPILocationGroup {
			c.fail(errors.New("definitions: more than one MPI COMM_LOCATIONS group"))
			return
		}
		c.mpiLocationGroup = ref
		c.hasMPILocationGroup = true
	}
}

// OTF2Comm implements otfadapter.DefSink.
func (c *Context) OTF2Comm(ref int64, group int64) {
	c.commToGroup[ref] = group
}

// Finalize resolves deferred OTF2 names and builds the local-rank
// resolution table. It must be called exactly once, after all definition
// callbacks have been delivered, before Process/Name/Parent/Resolve are
// used. It is idempotent: a second call is a no-op and returns the first
// call's error.
func (c *Context) Finalize() error {
	if c.finalized {
		return c.err
	}
	c.finalized = true
	if c.err != nil {
		return c.err
	}

	if c.isOTF2 {
		c.resolveOTF2Names()
		c.buildLocalRankTable()
	}

	return c.err
}

func (c *Context) resolveOTF2Names() {
	for p, raw := range c.rawNames {
		var stringRef, locationGroup int64
		if _, err := fmt.Sscanf(raw, "%d %d", &stringRef, &locationGroup); err != nil {
			c.fail(fmt.Errorf("definitions: malformed pending name for location %d: %v", p, err))
			return
		}
		resolved := c.strings[stringRef]
		c.rawNames[p] = resolved + ":" + strconv.FormatInt(locationGroup, 10)
	}
}

func (c *Context) buildLocalRankTable() {
	if !c.hasMPILocationGroup {
		return
	}
	mpiGroup, ok := c.groups[c.mpiLocationGroup]
	if !ok {
		return
	}
	// mpiGroup.members[i] is a world (location) rank; build a lookup of
	// world rank -> its index within the MPI location group membership.
	worldRankIsLocation := make(map[int64]bool, len(mpiGroup.members))
	for _, worldRank := range mpiGroup.members {
		worldRankIsLocation[worldRank] = true
	}

	for comm, group := range c.commToGroup {
		g, ok := c.groups[group]
		if !ok {
			continue
		}
		for localRank, worldRank := range g.members {
			if !worldRankIsLocation[worldRank] {
				// not an MPI location (e.g. a thread-local rank); skip.
				continue
			}
			key := localRankKey{comm: comm, localRank: int64(localRank)}
			c.localRankToLocation[key] = Process(worldRank)
		}
	}
}

// Resolve maps a communicator-relative local rank to its global Process.
// OTF1 traces have no communicator-relative ranks at all: message
// endpoints are already global process IDs, so Resolve is the identity
// function whenever the loaded definitions were never OTF2 in the first
// place.
func (c *Context) Resolve(comm, localRank int64) (Process, error) {
	if !c.isOTF2 {
		return Process(localRank), nil
	}
	p, ok := c.localRankToLocation[localRankKey{comm: comm, localRank: localRank}]
	if !ok {
		return 0, fmt.Errorf("%w: comm %d local rank %d", ErrMissingResolution, comm, localRank)
	}
	return p, nil
}

// Processes returns every defined process, in definition order.
func (c *Context) Processes() []Process {
	out := make([]Process, len(c.order))
	copy(out, c.order)
	return out
}

// Info returns the resolved metadata for p.
func (c *Context) Info(p Process) Info {
	parent, hasParent := c.parents[p], c.hasParent[p]
	return Info{ID: p, Name: c.rawNames[p], ParentID: parent, HasParent: hasParent}
}

// Parents returns a copy of the process -> parent map, containing only
// processes that have a parent.
func (c *Context) Parents() map[Process]Process {
	out := make(map[Process]Process, len(c.parents))
	for k, v := range c.parents {
		out[k] = v
	}
	return out
}

// SortedProcesses returns every defined process sorted by ID.
func (c *Context) SortedProcesses() []Process {
	out := c.Processes()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
