package objects

// Hooks is the four-predicate access-control surface every object
// instance exposes. All default to system-only; a
// concrete object type overrides whichever hooks its semantics need
// by embedding DefaultHooks and shadowing individual methods, the same
// "override what you need" shape an alerter composed of optional
// backends would use.
type Hooks interface {
	// CanSubscribe governs whether auth may attach to this object at all.
	CanSubscribe(auth Auth) bool
	// CanRead filters which properties appear in a subscriber's
	// snapshot and which outgoing syncs are forwarded to it.
	CanRead(prop *PropMeta, auth Auth) bool
	// CanWrite gates application of an inbound client-originated sync.
	CanWrite(prop *PropMeta, auth Auth) bool
	// CanCreate gates record creation in a table.
	CanCreate(table *TableMeta, auth Auth) bool
}

// DefaultHooks permits only SystemAuth: the system authority is
// always allowed through the default chain. Embed this in a
// concrete object type and override only the hooks that should admit
// non-system identities.
type DefaultHooks struct{}

func (DefaultHooks) CanSubscribe(auth Auth) bool                  { return auth.IsSystem }
func (DefaultHooks) CanRead(_ *PropMeta, auth Auth) bool           { return auth.IsSystem }
func (DefaultHooks) CanWrite(_ *PropMeta, auth Auth) bool          { return auth.IsSystem }
func (DefaultHooks) CanCreate(_ *TableMeta, auth Auth) bool        { return auth.IsSystem }

// AllowAll is a convenience Hooks implementation for objects with no
// real access-control requirements (e.g. example/test fixtures). It is
// never the default — production object types must opt in explicitly,
// so a forgotten override cannot accidentally leave a sensitive
// property world-readable.
type AllowAll struct{}

func (AllowAll) CanSubscribe(Auth) bool           { return true }
func (AllowAll) CanRead(*PropMeta, Auth) bool      { return true }
func (AllowAll) CanWrite(*PropMeta, Auth) bool     { return true }
func (AllowAll) CanCreate(*TableMeta, Auth) bool   { return true }
