package kdbus

import (
	"slices"
	"sync"

	"github.com/creachadair/mds/mapset"
	"golang.org/x/sys/unix"
)

// ConnOptions are the properties of a new connection.
type ConnOptions struct {
	// Name is a human-readable description of the connection,
	// attached to metadata as CONN_NAME.
	Name string
	// Privileged connections may attach more than the unprivileged
	// payload limit to a message.
	Privileged bool
	// Agent connections may relay messages on behalf of other
	// connections, keeping the sender id the message claims.
	Agent bool
	// Source provides the process metadata of the connection's
	// owner. If nil, only metadata that does not describe the
	// process (timestamps, names) is ever attached.
	Source Source
	// Attach selects the metadata to capture when the connection is
	// created.
	Attach AttachFlags
}

// Conn is a connection to a bus: the unit of message addressing, and
// the owner of well-known names.
type Conn struct {
	id         uint64
	bus        *Bus
	name       string
	privileged bool
	agent      bool
	src        Source

	// metaMu serializes metadata updates. It is taken before mu.
	metaMu sync.Mutex

	mu    sync.Mutex
	names []OwnedName
	owned mapset.Set[string]
	meta  *Metadata
}

// NewConn returns a connection with the given id on bus.
func NewConn(bus *Bus, id uint64, opts ConnOptions) (*Conn, error) {
	if id == DstIDName || id == DstIDBroadcast {
		return nil, kerr(KindPolicy, unix.EINVAL, "connection id %s is reserved", dstString(id))
	}
	ret := &Conn{
		id:         id,
		bus:        bus,
		name:       opts.Name,
		privileged: opts.Privileged,
		agent:      opts.Agent,
		src:        opts.Source,
		owned:      mapset.New[string](),
		meta:       NewMetadata(opts.Source, WithMaxSize(bus.Limits.MaxMetaSize)),
	}
	if err := ret.meta.Append(ret, 0, opts.Attach); err != nil {
		return nil, err
	}
	return ret, nil
}

// ID returns the connection's unique id.
func (c *Conn) ID() uint64 { return c.id }

// Bus returns the bus the connection is on.
func (c *Conn) Bus() *Bus { return c.bus }

// Name returns the connection's description.
func (c *Conn) Name() string { return c.name }

// Privileged reports whether the connection is privileged.
func (c *Conn) Privileged() bool { return c.privileged }

// Agent reports whether the connection may relay messages for others.
func (c *Conn) Agent() bool { return c.agent }

// Source returns the connection's metadata source, or nil.
func (c *Conn) Source() Source { return c.src }

// Meta returns the metadata captured for the connection's owner.
//
// The returned metadata must not be read concurrently with
// [Conn.UpdateMeta].
func (c *Conn) Meta() *Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

// UpdateMeta adds the requested metadata categories that are not yet
// attached to the connection's metadata.
func (c *Conn) UpdateMeta(which AttachFlags) error {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	c.mu.Lock()
	m := c.meta
	c.mu.Unlock()
	if m == nil {
		return kerr(KindPolicy, unix.ESHUTDOWN, "connection %d is closed", c.id)
	}
	return m.Append(c, 0, which)
}

// AcquireName records that the connection owns the well-known name.
func (c *Conn) AcquireName(name string, flags uint64) error {
	if !ValidName(name, false) {
		return policy(unix.EINVAL, "invalid bus name %q", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owned.Has(name) {
		return policy(unix.EALREADY, "connection %d already owns %q", c.id, name)
	}
	c.owned.Add(name)
	c.names = append(c.names, OwnedName{Flags: flags, Name: name})
	c.bus.logf("conn %d acquired %s", c.id, name)
	return nil
}

// ReleaseName gives up ownership of a well-known name.
func (c *Conn) ReleaseName(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.owned.Has(name) {
		return policy(unix.ESRCH, "connection %d does not own %q", c.id, name)
	}
	delete(c.owned, name)
	c.names = slices.DeleteFunc(c.names, func(n OwnedName) bool { return n.Name == name })
	c.bus.logf("conn %d released %s", c.id, name)
	return nil
}

// Names returns the well-known names owned by the connection, in the
// order they were acquired.
func (c *Conn) Names() []OwnedName {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.names)
}

// Close releases the connection's names and metadata.
func (c *Conn) Close() {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = nil
	clear(c.owned)
	if c.meta != nil {
		c.meta.Free()
		c.meta = nil
	}
}
