/*
Package routing defines the route and cluster values that the filter
chain's route cache hands to filters. Route matching itself happens
behind the stream sink; this package only carries its results.
*/
package routing

import "time"

// Route represents a matched route for one stream.
type Route struct {

	// Id of the route definition the stream was matched to.
	Id string

	// Backend address of the route.
	Backend string

	// ClusterName names the upstream cluster selected by the route.
	ClusterName string

	// Cluster carries the resolved cluster of the route, when any.
	Cluster *ClusterInfo

	// UpgradeMap tells per upgrade type (lowercase) whether the
	// route allows it. A missing entry falls back to the listener
	// level default.
	UpgradeMap map[string]bool

	// Timeout overrides the response timeout for this route.
	Timeout time.Duration
}

// ClusterInfo describes the upstream cluster a route points to.
type ClusterInfo struct {

	// Name of the cluster.
	Name string

	// ConnectTimeout budget for establishing upstream connections.
	ConnectTimeout time.Duration

	// ResponseTimeout budget for receiving the upstream response.
	ResponseTimeout time.Duration

	// MaxRequestBytes limits the buffered request size toward this
	// cluster, zero means the stream default.
	MaxRequestBytes int
}

// RouteConfig is the snapshot of the route table a stream was matched
// against.
type RouteConfig struct {

	// Name of the configuration snapshot.
	Name string

	// Version of the configuration snapshot.
	Version string
}
