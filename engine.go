// Package flowengine identifies the flow engine service
package flowengine

const (
	// Name is the service name reported in logs and health responses
	Name = "flowengine"

	// Version is the service version reported in logs and health responses
	Version = "0.4.0"
)
