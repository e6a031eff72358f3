// Package daemon provides the main orchestration for tunecordd.
// It drives the poll → diff → publish cycle between the media player probe
// and the Discord presence client, and applies configuration hot-reloads.
package daemon
