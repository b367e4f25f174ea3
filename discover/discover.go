// Package discover declares the multicast-DNS service-discovery
// collaborator interface of spec §6.4. It is intentionally
// interface-only: no repo in the retrieval pack embeds an mDNS stack,
// and the spec itself frames discovery as an external collaborator, not
// a core component. A deployment wires in a concrete Adapter (e.g. over
// github.com/hashicorp/mdns, or a platform DNS-SD binding) from outside
// this module; arnd never dials one on its own.
package discover

import "context"

// Record describes one discovered service instance.
type Record struct {
	Service string
	Host    string
	Port    int
	TXT     map[string]string
}

// Adapter is the mDNS collaborator interface (spec §6.4): register
// advertises this process as a provider of service, browse watches for
// instances of service appearing/disappearing, resolve looks up a
// specific instance by name, and lookup performs a one-shot query.
type Adapter interface {
	// Register advertises service on port with the given TXT metadata
	// until ctx is canceled.
	Register(ctx context.Context, service string, port int, txt map[string]string) error

	// Browse streams Records as instances of service are discovered,
	// until ctx is canceled or the returned channel is drained and
	// closed.
	Browse(ctx context.Context, service string) (<-chan Record, error)

	// Resolve looks up a specific named instance of service.
	Resolve(ctx context.Context, service, instance string) (Record, error)

	// Lookup performs a single browse-and-collect pass, returning
	// whatever instances answer within ctx's deadline.
	Lookup(ctx context.Context, service string) ([]Record, error)
}
