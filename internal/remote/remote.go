// Package remote declares the contracts for the external search service.
// The engine never speaks the remote protocol itself; it talks to whatever
// implements these interfaces (the transport bridge in production, fakes in
// tests).
package remote

import (
	"context"

	"github.com/rankspot/rankspot/internal/models"
)

// ForcedIndexSuffix is the reserved label suffix that forces the remote
// search index to re-crawl a renamed entity immediately.
const ForcedIndexSuffix = "@@@@@@"

// Credential identifies the remote account a call is made as. Exactly one
// of SessionString or BotToken is set.
type Credential struct {
	SessionString string
	BotToken      string
}

// Entity is one item of a ranked global-search result.
type Entity struct {
	ExternalID int64
	Kind       models.AssetKind
}

// Searcher issues a ranked global search through the given egress endpoint.
type Searcher interface {
	Search(ctx context.Context, cred Credential, proxy *models.Proxy, keyword string, limit int) ([]Entity, error)
}

// Relabeler changes an asset's public label. The implementation picks the
// type-specific mechanism (own-profile update for bots, title edit for
// channels and groups).
type Relabeler interface {
	Relabel(ctx context.Context, cred Credential, proxy *models.Proxy, asset models.Asset, label string) error
}

// Capability describes how one asset kind is probed. Looked up once per
// probe instead of branching on the kind string in several places.
type Capability struct {
	// RelabelClass is the session class required to relabel the asset.
	// Empty means the asset's own credential is used instead of a pooled
	// session.
	RelabelClass models.SessionClass
	// OwnCredential is set for assets that authenticate as themselves.
	OwnCredential bool
}

var capabilities = map[models.AssetKind]Capability{
	models.AssetBot:     {OwnCredential: true},
	models.AssetChannel: {RelabelClass: models.SessionManager},
	models.AssetGroup:   {RelabelClass: models.SessionManager},
}

// CapabilityFor returns the probe capability for an asset kind.
func CapabilityFor(kind models.AssetKind) (Capability, bool) {
	c, ok := capabilities[kind]
	return c, ok
}
