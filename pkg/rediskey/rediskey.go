package rediskey

import (
	"fmt"
	"net/url"
)

// Royalty keys shared by the lease, the sequence generator and the resolver.
const (
	LeasePrefix   = "royalty:lease"
	PlanSeqPrefix = "seq:plan"
	ArtworkPrefix = "royalty:artwork"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildPlanLeaseKey returns "royalty:lease:plan:{planID}"
func BuildPlanLeaseKey(planID string) string {
	return NamespaceKey(LeasePrefix, "plan:"+planID)
}

// BuildPlanSeqKey returns "seq:plan:{yymmdd}"
func BuildPlanSeqKey(day string) string {
	return NamespaceKey(PlanSeqPrefix, day)
}

// BuildArtworkKey returns "royalty:artwork:{artworkID}:{kind}" with the id
// query-escaped, so an id containing ':' cannot collide with another key.
func BuildArtworkKey(artworkID, kind string) string {
	return fmt.Sprintf("%s:%s:%s", ArtworkPrefix, url.QueryEscape(artworkID), kind)
}
