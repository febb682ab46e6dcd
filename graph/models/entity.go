package models

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// EntityCategory coarsely classifies the real-world operator behind an
// entity or label.
type EntityCategory uint8

const (
	// CategoryUnknown is the default for unlabeled clusters.
	CategoryUnknown EntityCategory = iota

	// CategoryExchange marks custodial exchange wallets.
	CategoryExchange

	// CategoryMarketplace marks darknet or gray market operators.
	CategoryMarketplace

	// CategoryMiningPool marks pool payout wallets.
	CategoryMiningPool

	// CategoryMixer marks mixing and CoinJoin coordinators.
	CategoryMixer

	// CategoryPonziScheme marks known investment fraud operations.
	CategoryPonziScheme

	// CategoryRansomware marks ransom collection wallets.
	CategoryRansomware

	// CategorySanctioned marks addresses on a sanctions list.
	CategorySanctioned
)

// String returns the wire form of the category.
func (c EntityCategory) String() string {
	switch c {
	case CategoryExchange:
		return "exchange"
	case CategoryMarketplace:
		return "marketplace"
	case CategoryMiningPool:
		return "mining_pool"
	case CategoryMixer:
		return "mixer"
	case CategoryPonziScheme:
		return "ponzi_scheme"
	case CategoryRansomware:
		return "ransomware"
	case CategorySanctioned:
		return "sanctioned"
	default:
		return "unknown"
	}
}

// ParseCategory maps the wire form of a category back to its value.
func ParseCategory(s string) (EntityCategory, error) {
	switch s {
	case "exchange":
		return CategoryExchange, nil
	case "marketplace":
		return CategoryMarketplace, nil
	case "mining_pool":
		return CategoryMiningPool, nil
	case "mixer":
		return CategoryMixer, nil
	case "ponzi_scheme":
		return CategoryPonziScheme, nil
	case "ransomware":
		return CategoryRansomware, nil
	case "sanctioned":
		return CategorySanctioned, nil
	case "unknown":
		return CategoryUnknown, nil
	default:
		return 0, fmt.Errorf("unknown entity category %q", s)
	}
}

// Valid reports whether the category is one of the defined values.
func (c EntityCategory) Valid() bool {
	return c <= CategorySanctioned
}

// Risky reports whether addresses in this category conventionally seed
// taint propagation.
func (c EntityCategory) Risky() bool {
	switch c {
	case CategoryMixer, CategoryPonziScheme, CategoryRansomware,
		CategorySanctioned:

		return true
	default:
		return false
	}
}

// Address is an address node together with the activity window
// observed for it.
type Address struct {
	ID        AddrID
	FirstSeen time.Time
	LastSeen  time.Time
	TxCount   int64
}

// AddressLabel is an externally sourced attribution claim, e.g. a
// tagged exchange deposit address. Labels are keyed by (address,
// source) so that re-delivery from the same source replaces rather
// than duplicates.
type AddressLabel struct {
	Addr     AddrID
	Name     string
	Category EntityCategory
	Source   string

	// Confidence is the delivering source's own certainty in [0, 1].
	// It is carried through as provenance and never used to pick a
	// winner between conflicting labels.
	Confidence float64
}

// Entity is a cluster of addresses attributed to a single owner by the
// common-input-ownership heuristic, possibly named by external labels.
type Entity struct {
	ID EntityID

	// Members holds the cluster's addresses sorted ascending. The
	// first member derives the entity id.
	Members []AddrID

	// Label is the agreed external name of the cluster, or None when
	// no member is labeled or the labels conflict.
	Label fn.Option[string]

	Category EntityCategory

	// Conflict is set when external labels disagree about who
	// controls the cluster. Conflicted entities keep their members
	// but drop the label.
	Conflict bool

	GeneratedAt time.Time
}

// Node returns the entity's scoreable node id.
func (e *Entity) Node() NodeID {
	return EntityNode(e.ID)
}

// Copy returns a deep copy of the entity.
func (e *Entity) Copy() *Entity {
	c := *e
	c.Members = make([]AddrID, len(e.Members))
	copy(c.Members, e.Members)

	return &c
}
