// Package chainpilot is a Go client for the ChainPilot REST API. It submits
// instruction tasks, explores contracts and drives workflow executions.
package chainpilot
