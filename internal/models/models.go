// Package models defines the database entity types.
package models

import (
	"net"
	"strconv"
	"time"
)

// SessionClass restricts what a remote-account session may be used for.
// A class is never substituted for another: a manager requirement is a
// manager requirement even when the clean pool is idle.
type SessionClass string

const (
	SessionClean   SessionClass = "probe-clean"
	SessionDirty   SessionClass = "relabel-dirty"
	SessionManager SessionClass = "privileged-manager"
)

// AssetKind is the rentable asset variant.
type AssetKind string

const (
	AssetBot     AssetKind = "bot"
	AssetChannel AssetKind = "channel"
	AssetGroup   AssetKind = "group"
)

// Tier is the commercial classification derived from a measured rank.
type Tier string

const (
	TierPremium     Tier = "premium"
	TierRegular     Tier = "regular"
	TierUnavailable Tier = "unavailable"
)

// RentalStatus values form a finite state machine; see the rental package
// for the legal transitions.
type RentalStatus string

const (
	RentalPending    RentalStatus = "pending"
	RentalActive     RentalStatus = "active"
	RentalMonitoring RentalStatus = "monitoring"
	RentalExpiring   RentalStatus = "expiring"
	RentalExpired    RentalStatus = "expired"
	RentalCanceled   RentalStatus = "canceled"
	RentalArchived   RentalStatus = "archived"
)

// RankNotFound is the sentinel for an asset absent from the result window.
const RankNotFound = -1

// Session is a reusable remote-account credential.
type Session struct {
	ID         int64
	Class      SessionClass
	Credential string
	InUse      bool
	LastUsed   time.Time
	Healthy    bool
	FailCount  int
	ProxyID    *int64
	CreatedAt  time.Time
}

// ProxyStatus is the health state of an egress endpoint.
type ProxyStatus string

const (
	ProxyActive  ProxyStatus = "active"
	ProxyError   ProxyStatus = "error"
	ProxyRemoved ProxyStatus = "removed"
)

// Proxy is a network egress endpoint paired with sessions for probing.
type Proxy struct {
	ID        int64
	Address   string
	Port      int
	Protocol  string
	Username  *string
	Password  *string
	LatencyMS *int64
	Status    ProxyStatus
	FailCount int
	LastCheck time.Time
}

// Addr returns the dialable host:port form of the endpoint.
func (p Proxy) Addr() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

// Asset is a rentable identity whose search visibility can be probed.
// OriginalLabel must always be restorable; Label only differs from it
// while a probe is in flight.
type Asset struct {
	ID            int64
	ExternalID    int64
	Kind          AssetKind
	Label         string
	OriginalLabel string
	Available     bool
	BotToken      *string
}

// RankRecord is one measurement of (asset, keyword) -> rank.
type RankRecord struct {
	AssetID    int64
	Keyword    string
	Rank       int
	Tier       Tier
	MeasuredAt time.Time
}

// Rental is one rental request moving through the lifecycle state machine.
// StartTime and EndTime are nil until payment confirmation activates it.
type Rental struct {
	ID             int64
	UserID         int64
	Keyword        string
	AssetID        int64
	Rank           int
	Tier           Tier
	Price          int
	DurationHours  int
	StartTime      *time.Time
	EndTime        *time.Time
	Status         RentalStatus
	PaymentRef     *string
	ExpiryNotified bool
	FinalNotified  bool
	CreatedAt      time.Time
}
